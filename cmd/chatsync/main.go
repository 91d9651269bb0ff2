package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/resync"
	"chatsync/pkg/banner"
	"chatsync/pkg/config"
	"chatsync/pkg/engine"
	"chatsync/pkg/logger"
	"chatsync/pkg/rest"
	"chatsync/pkg/shutdown"
)

func main() {
	// build metadata - set via ldflags during build/release
	var (
		version = "dev"
		commit  = "none"
	)
	_ = godotenv.Load(".env")
	adminAddr := flag.String("admin", ":9090", "metrics/health listen address")
	flags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(flags.Config, flags.Set["config"])
	eff, err := config.LoadEffective(cfgPath, flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := eff.Config
	logger.InitWithLevel(cfg.Logging.Level, cfg.Logging.Format)

	// Identity comes from the environment: the portal session layer is
	// outside this process.
	userID := os.Getenv("CHATSYNC_USER_ID")
	userName := os.Getenv("CHATSYNC_USER_NAME")
	token := os.Getenv("CHATSYNC_TOKEN")
	identity := func() (rest.Identity, bool) {
		if userID == "" {
			return rest.Identity{}, false
		}
		return rest.Identity{UserID: userID, UserName: userName, Token: token}, true
	}

	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	banner.Print(eff, verStr)

	eng := engine.New(cfg, identity)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	go eng.Run(ctx)

	if err := eng.Connect(); err != nil {
		logger.Warn("initial_connect_failed", "err", err)
	}
	eng.FetchConversations(rest.ConversationQuery{})

	stopResync, err := resync.Start(ctx, cfg.ResyncCron(), eng)
	if err != nil {
		log.Fatalf("failed to start resync scheduler: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\",\"connection\":\"" + string(eng.ConnectionStatus()) + "\"}"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("admin_listening", "addr", *adminAddr)
		if err := http.ListenAndServe(*adminAddr, mux); err != nil {
			logger.Error("admin_server_exit", "err", err)
		}
	}()

	<-ctx.Done()
	stopResync()
	cancel()
	eng.Disconnect()
}
