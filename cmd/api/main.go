package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slipgate.org/internal/audit"
	"slipgate.org/internal/auth"
	"slipgate.org/internal/config"
	"slipgate.org/internal/httpapi"
	"slipgate.org/internal/keyset"
	"slipgate.org/internal/obs"
	"slipgate.org/internal/redeem"
	"slipgate.org/internal/slip"
	"slipgate.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "none" // set via -ldflags at release time
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Storage: Postgres when a DSN is set, in-memory otherwise. The
	// in-memory mode carries a seeded test slip so a fresh checkout can
	// exercise the verify flow end to end.
	var (
		slips slip.Store
		sink  audit.Appender
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		slips = store
		sink = store
		db = store.DB()
	} else {
		mem := slip.NewInMemory()
		seedTestSlip(mem)
		slips = mem
		sink = audit.LogAppender{}
		log.Printf("No SLIPGATE_PG_DSN set, using in-memory slip store")
	}

	keys := keyset.New(cfg.JWKSURL, cfg.JWKSRatePerMinute)
	verifier := auth.NewVerifier(keys, cfg.Issuer, cfg.Audience)
	engine := redeem.New(slips, audit.NewRecorder(sink), redeem.WithRequiredRole(cfg.RequiredRole))

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, verifier, engine)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting slipgate-api %s on %s", version, srv.Addr)

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

func seedTestSlip(store slip.Store) {
	expires := time.Now().Add(5 * time.Minute)
	err := store.CreateIfAbsent(context.Background(), slip.Slip{
		Code:      "SLIP-TEST-001",
		ExpiresAt: &expires,
		Metadata:  json.RawMessage(`{"source":"seed"}`),
	})
	if err != nil && err != slip.ErrAlreadyExists {
		log.Printf("seed slip: %v", err)
	}
}
