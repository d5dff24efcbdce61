package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/envkey/envkey-sub005/internal/authz"
	"github.com/envkey/envkey-sub005/internal/httpapi"
	"github.com/envkey/envkey-sub005/internal/obs"
	"github.com/envkey/envkey-sub005/internal/sockets"
	"github.com/envkey/envkey-sub005/internal/store"
	"github.com/envkey/envkey-sub005/internal/store/pg"
)

var version = "0.1.0"

func main() {
	obs.Init()
	obs.InitBuildInfo()

	addr := os.Getenv("ENVKEY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Postgres when a DSN is set; in-memory store otherwise (dev only).
	var (
		st store.Store
		db *sql.DB
	)
	if dsn := os.Getenv("ENVKEY_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st = pgStore
		db = pgStore.DB()
	} else {
		log.Println("ENVKEY_PG_DSN not set, using in-memory store")
		st = store.NewMemory()
	}

	hub := sockets.New()
	svc := authz.NewService(st, hub)
	api := httpapi.New(svc, hub, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long write timeout so SSE subscribers are not cut off.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting envkey-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
