package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvasgroups.org/internal/app"
	"canvasgroups.org/internal/config"
	"canvasgroups.org/internal/httpapi"
	"canvasgroups.org/internal/obs"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	app.LogWarnings(cfg)

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	obs.InitBuildInfo(version, commit, a.Env)
	a.Caches.StartSweeper(cfg.CacheCheckPeriod)

	api := httpapi.New(httpapi.Deps{
		Version:        version,
		Env:            a.Env,
		Ready:          httpapi.ReadyProbe{Store: a.Store},
		Signer:         a.Signer,
		Sessions:       a.Sessions,
		Store:          a.Store,
		Compiler:       a.Aggregator,
		Caches:         a.Caches,
		Provider:       a.Provider,
		IsAdmin:        cfg.IsAdmin,
		Origins:        []string{cfg.CanvasBaseURI},
		RateBurst:      cfg.RateLimitBurst,
		RatePerSec:     cfg.RateLimitRPS,
		SecureCookies:  cfg.Env == "production",
		CompileTimeout: 90 * time.Second,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.Info("starting canvasgroups", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"canvas":  cfg.CanvasBaseURI,
		"env":     a.Env,
		"store":   cfg.TokenStoreDriver(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := a.Close(); err != nil {
		obs.Error("close", map[string]any{"error": err})
	}
	obs.Info("stopped", nil)
}
