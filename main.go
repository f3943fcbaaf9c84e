package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/events"
	"tradegate/internal/fill"
	"tradegate/internal/gateway"
	"tradegate/internal/monitor"
	"tradegate/internal/order"
	"tradegate/internal/position"
	"tradegate/internal/seed"
	"tradegate/internal/sse"
	"tradegate/internal/stream"
	"tradegate/internal/webhook"
	"tradegate/pkg/config"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}
	log.Printf("✓ config loaded (env: %s, port: %s)", cfg.AppEnv, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database: %v", err)
	}
	defer database.Close()
	if err := database.ApplyMigrations(ctx); err != nil {
		log.Fatalf("❌ migrations: %v", err)
	}
	log.Printf("✓ database ready (%s)", cfg.DBPath)

	encryptionKey := cfg.EncryptionKey
	if encryptionKey == "" {
		log.Printf("⚠️ ENCRYPTION_KEY not set, using an insecure development key")
		encryptionKey = "tradegate-dev-only-key"
	}
	keys, err := crypto.NewKeyRing(encryptionKey)
	if err != nil {
		log.Fatalf("❌ encryption keys: %v", err)
	}

	locks := db.NewLockRegistry()

	// Adapter pool: decrypts credentials on demand and keeps live
	// adapters behind an LRU with a health circuit.
	pool := gateway.NewManager(database, keys, gateway.NewFactory(database, locks, cfg.AutoAdjustOrders), gateway.DefaultConfig())
	pool.Start(ctx)
	defer pool.Stop()

	// Fill pipeline
	positions := position.NewService(database, bus)
	fillMonitor := fill.NewMonitor(database, bus, locks, positions)

	// Order lifecycle
	orders := order.NewManager(database, pool, bus)
	cancelWorker := order.NewCancelWorker(database, pool, orders, 5*time.Second)
	go cancelWorker.Run(ctx)

	reconciler := order.NewReconciler(database, pool, fillMonitor, time.Duration(cfg.ReconcileIntervalSec)*time.Second)
	go reconciler.Run(ctx)

	// User-data streams
	streams := stream.NewPool(pool, fillMonitor, bus)
	defer streams.Stop()
	connectStreams(ctx, database, streams)

	// Webhook fan-out
	dispatcher := webhook.NewDispatcher(database, orders, bus, webhook.Config{
		Workers:        cfg.WebhookConcurrency,
		AccountTimeout: time.Duration(cfg.WebhookTimeoutSec) * time.Second,
	})

	// SSE hub
	hub := sse.NewHub(database, bus)
	go hub.Run(ctx)

	// Telemetry
	metrics := monitor.NewSystemMetrics()
	var sink monitor.AlertSink
	if alerter := monitor.NewTelegramAlerter(cfg.TelegramBotToken, cfg.TelegramChatID); alerter != nil {
		sink = alerter
		log.Printf("✓ telegram alerting enabled")
	}
	sysMonitor := monitor.New(database, bus, metrics, sink)
	go sysMonitor.Run(ctx)

	// Strategy seed file
	if seedFile, err := seed.Load(cfg.StrategiesFile); err != nil {
		log.Printf("⚠️ strategy seed: %v", err)
	} else if err := seed.Sync(ctx, database, seedFile); err != nil {
		log.Printf("⚠️ strategy seed sync: %v", err)
	}

	// API
	server := api.NewServer(database, keys, pool, streams, orders, dispatcher, hub, metrics,
		cfg.JWTSecret, cfg.SkipExchangeTest)
	go func() {
		addr := ":" + cfg.Port
		var err error
		if cfg.EnableSSL {
			cert := filepath.Join(cfg.SSLCertDir, cfg.SSLDomain+".crt")
			key := filepath.Join(cfg.SSLCertDir, cfg.SSLDomain+".key")
			log.Printf("✓ API listening on %s (TLS, %s)", addr, cfg.SSLDomain)
			err = server.StartTLS(addr, cert, key)
		} else {
			log.Printf("✓ API listening on %s", addr)
			err = server.Start(addr)
		}
		if err != nil {
			log.Fatalf("❌ API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("⚠️ shutting down")
}

// connectStreams brings up a user-data stream for every active account.
// Venues without a stream are skipped by the pool; reconciliation
// covers them.
func connectStreams(ctx context.Context, database *db.Database, streams *stream.Pool) {
	accounts, err := database.ListActiveAccounts(ctx)
	if err != nil {
		log.Printf("❌ stream bring-up: %v", err)
		return
	}
	for _, a := range accounts {
		if err := streams.Connect(ctx, a.ID); err != nil {
			log.Printf("⚠️ stream for account %d (%s): %v", a.ID, a.Venue, err)
		}
	}
}
