package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ordersentry/internal/broker"
	"ordersentry/internal/config"
	"ordersentry/internal/db"
	"ordersentry/internal/db/conf"
	"ordersentry/internal/engine"
	"ordersentry/internal/metrics"
	"ordersentry/internal/notifier"
	"ordersentry/internal/resilience"
)

func main() {
	cfg := config.MustLoadConfig()
	log.Println("Starting Order Sentry in mode:", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	store := buildStorage(ctx, cfg)

	var n notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
		log.Println("Telegram notifications enabled")
	}

	gw := buildGateway(cfg)

	breakers := resilience.NewGroup(cfg.FailureThreshold, cfg.RecoveryTimeout)
	breakers.OnStateChange(func(name string, state resilience.BreakerState) {
		log.Printf("Circuit %s is now %s", name, state)
		metrics.ObserveBreaker(name, state)
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	var updates <-chan broker.OrderUpdate
	if cfg.BrokerWSURL != "" {
		stream := broker.NewOrderStream(cfg.BrokerWSURL, cfg.BrokerAPIKey)
		go stream.Start(ctx)
		defer stream.Close()
		updates = stream.Updates()
		log.Println("Order-update stream enabled:", cfg.BrokerWSURL)
	}

	eng := engine.New(gw, store, breakers, nil, n, engine.Options{
		TickInterval: cfg.TickInterval,
		Variety:      cfg.Variety,
		Symbols:      cfg.Symbols,
		Policy:       cfg.PolicyConfig(),
		ReadPolicy: resilience.Policy{
			MaxAttempts: 3,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Multiplier:  cfg.RetryMultiplier,
			Jitter:      true,
		},
	})

	eng.Run(ctx, updates)
	log.Println("Shutdown complete")
}

func buildStorage(ctx context.Context, cfg config.Config) db.Storage {
	if cfg.Mode == "dry-run" && cfg.DBConnStr == "" {
		log.Println("Using in-memory storage")
		return db.NewMemory()
	}

	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("Failed to create DB config: %v", err)
	}
	store, err := db.New(*dbConfig)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Println("Connected to Postgres")
	return store
}

func buildGateway(cfg config.Config) broker.Gateway {
	if cfg.Mode == "dry-run" {
		log.Println("Using mock broker gateway")
		return broker.NewMockGateway(1_000_000)
	}
	return broker.NewRESTGateway(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.CallTimeout)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Println("Metrics endpoint listening on", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Metrics endpoint stopped: %v", err)
	}
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log.Println("Running database migrations...")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres%s",
		u.User.Username(),
		func() string {
			p, _ := u.User.Password()
			return p
		}(),
		u.Host,
		func() string {
			if u.RawQuery != "" {
				return "?" + u.RawQuery
			}
			return ""
		}())

	baseDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		log.Printf("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	if _, err := conn.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}
