package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staysync.org/internal/audit"
	"staysync.org/internal/config"
	"staysync.org/internal/connection"
	"staysync.org/internal/httpapi"
	"staysync.org/internal/mapping"
	"staysync.org/internal/obs"
	"staysync.org/internal/provider"
	"staysync.org/internal/secrets"
	"staysync.org/internal/store/pg"
	"staysync.org/internal/stream"
	"staysync.org/internal/syncer"
	"staysync.org/internal/tokens"
)

var (
	version = "0.3.1"
	commit  = "none"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := config.Load()
	if cfg.PostgresDSN == "" {
		log.Fatal("STAYSYNC_PG_DSN is required")
	}

	db, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	// Stores.
	connStore := connection.NewPGStore(db)
	secretStore := secrets.NewPGStore(db)
	mappingRepo := mapping.NewPGRepository(db)
	stateStore := syncer.NewPGStateStore(db)
	recordStore := pg.NewRecordStore(db)
	auditRec := audit.NewRecorder(audit.NewPGStore(db))

	// Outbound provider client.
	client := provider.NewHTTPClient(
		cfg.ProviderBaseURL, cfg.ProviderTokenURL,
		cfg.ProviderClientID, cfg.ProviderClientSecret,
		provider.WithTimeout(cfg.ProviderTimeout),
		provider.WithRateLimit(cfg.ProviderRatePerSec),
	)

	// Services.
	events := stream.New()
	tokenSvc := tokens.NewService(connStore, secretStore, client,
		tokens.WithSafetyMargin(cfg.TokenSafetyMargin),
		tokens.WithEvents(events),
		tokens.WithAudit(auditRec))
	orch := syncer.New(connStore, mappingRepo, stateStore, recordStore,
		tokenSvc, client, auditRec,
		syncer.WithCalendarHorizon(cfg.CalendarHorizon),
		syncer.WithEvents(events))
	linker := connection.NewLinker(connStore, secretStore, client, stateStore, orch, auditRec,
		connection.WithEvents(events))

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version,
		linker, orch, tokenSvc, auditRec, cfg.SyncSharedSecret,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithEventStream(events))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting staysync-api %s on %s", version, srv.Addr)

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
	_ = db.Close()
	log.Println("Stopped")
}
