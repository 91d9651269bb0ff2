package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/joho/godotenv"

	"chatsync/internal/stubportal"
	"chatsync/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()
	logger.Init()

	srv := stubportal.New()
	logger.Info("stubportal_listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, srv.Router()); err != nil {
		log.Fatal(err)
	}
}
