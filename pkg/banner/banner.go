package banner

import (
	"fmt"

	"chatsync/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     ███████║███████║   ██║   ███████╗ ╚████╔╝ ██║╚██╗ ██║██║
██║     ██╔══██║██╔══██║   ██║   ╚════██║  ╚██╔╝  ██║ ╚████╗██║██║
╚██████╗██║  ██║██║  ██║   ██║   ███████║   ██║   ██║  ╚███║╚██████╗
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚══════╝   ╚═╝   ╚═╝   ╚══╝ ╚═════╝
`

// Print renders the startup banner from the effective configuration.
func Print(eff config.EffectiveConfigResult, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Portal:   %s\n", eff.Portal)
	fmt.Printf("Push:     %s\n", eff.WS)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", eff.Source)

	if eff.Config != nil {
		fmt.Println("\n== Sync =======================================================")
		fmt.Printf("Page size:       %d\n", eff.Config.PageSize())
		fmt.Printf("Typing debounce: %s (ttl %s)\n", eff.Config.TypingDebounce(), eff.Config.TypingTTL())
		fmt.Printf("Reconnect:       %s..%s, max %d attempts\n",
			eff.Config.BackoffInitial(), eff.Config.BackoffMax(), eff.Config.MaxAttempts())
		if cron := eff.Config.ResyncCron(); cron != "" {
			fmt.Printf("Resync:          enabled (cron=%s)\n", cron)
		} else {
			fmt.Println("Resync:          disabled")
		}
	}

	fmt.Println("\n== Logs: =================================================")
}
