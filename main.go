// Command aether runs the event relay: it loads configuration from the
// environment, opens the configured storage engine, and serves the
// WebSocket/health listener until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"aether.relay.dev/app"
	"aether.relay.dev/app/config"
	"github.com/pkg/profile"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU() * 4)
	var err error
	var cfg *config.C
	if cfg, err = config.New(); chk.T(err) {
	}
	log.I.F("starting %s", cfg.AppName)
	switch cfg.Pprof {
	case "cpu":
		prof := profile.Start(profile.CPUProfile)
		defer prof.Stop()
	case "memory":
		prof := profile.Start(profile.MemProfile)
		defer prof.Stop()
	case "allocation":
		prof := profile.Start(profile.MemProfileAllocs)
		defer prof.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit, err := app.Run(ctx, cfg)
	if chk.E(err) {
		os.Exit(1)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-sigs:
			fmt.Printf("\r")
			cancel()
			<-quit
			return
		case <-quit:
			cancel()
			return
		}
	}
}
