package app

import (
	"context"
	"fmt"
	"net/http"

	"aether.relay.dev/app/config"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
)

// Run starts the relay's WebSocket/health listener and returns a channel
// that closes once ctx is cancelled and the server has begun shutting
// down (§7 recovery policy: graceful shutdown driven by the caller's
// signal handling).
func Run(ctx context.Context, cfg *config.C) (quit chan struct{}, err error) {
	s, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	quit = make(chan struct{})
	go func() {
		<-ctx.Done()
		log.I.F("shutting down")
		if cerr := s.Close(); chk.E(cerr) {
		}
		close(quit)
	}()

	addr := fmt.Sprintf("%s:%s", cfg.Listen, portString(cfg.Port))
	log.I.F("starting listener on ws://%s", addr)
	srv := &http.Server{Addr: addr, Handler: s}
	go func() {
		if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			chk.E(serr)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if cfg.HealthPort != 0 && cfg.HealthPort != cfg.Port {
		healthAddr := fmt.Sprintf("%s:%s", cfg.Listen, portString(cfg.HealthPort))
		healthSrv := &http.Server{Addr: healthAddr, Handler: s}
		log.I.F("starting health/metrics listener on http://%s", healthAddr)
		go func() {
			if serr := healthSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				chk.E(serr)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = healthSrv.Close()
		}()
	}
	return quit, nil
}
