// portal-probe is a tiny liveness checker for the portal endpoints, built
// on fasthttp so it stays cheap enough to run from cron or a container
// healthcheck at high frequency.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	target := flag.String("url", "http://localhost:8080/healthz", "health endpoint to probe")
	timeout := flag.Duration("timeout", 2*time.Second, "per-request timeout")
	attempts := flag.Int("attempts", 1, "attempts before reporting failure")
	flag.Parse()

	client := &fasthttp.Client{
		Name:         "chatsync-probe",
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	var lastErr error
	for i := 0; i < *attempts; i++ {
		status, body, err := client.GetTimeout(nil, *target, *timeout)
		if err == nil && status == fasthttp.StatusOK {
			fmt.Printf("ok: %s %s\n", *target, string(body))
			os.Exit(0)
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("unexpected status %d", status)
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "probe failed: %s: %v\n", *target, lastErr)
	os.Exit(1)
}
