/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the CivicSense reward ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the ledger store (memory, SQLite or PostgreSQL)
  3. Start the change feed (in-process, or Redis when REDIS_ADDR is set)
  4. Build the coupon exporter (directory or S3)
  5. Create the engine, handlers and router
  6. Start the badge audit scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  Flags override the matching environment variable.
  -port    HTTP server port (SERVER_PORT, default: 8080)
  -driver  Store driver: memory, sqlite, postgres (STORE_DRIVER)
  -db      SQLite database path (STORE_SQLITE_PATH, default: rewards.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SERVER_SHUTDOWN_TIMEOUT)
  3. Detach session listeners, stop the scheduler
  4. Close the feed and the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rewards.db"

  # Run against PostgreSQL with a shared Redis feed
  STORE_DRIVER=postgres DB_HOST=db REDIS_ADDR=redis:6379 ./server

  # Run on different port, nothing persisted
  ./server -port=3000 -driver=memory

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - ledger/engine.go: Ledger transactions
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/civicsense/reward-ledger/api"
	"github.com/civicsense/reward-ledger/config"
	"github.com/civicsense/reward-ledger/export"
	"github.com/civicsense/reward-ledger/ledger"
	memstore "github.com/civicsense/reward-ledger/ledger/store"
	"github.com/civicsense/reward-ledger/notify"
	"github.com/civicsense/reward-ledger/rewards"
	"github.com/civicsense/reward-ledger/store/postgres"
	"github.com/civicsense/reward-ledger/store/sqlite"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	driver := flag.String("driver", cfg.Store.Driver, "Store driver: memory, sqlite, postgres")
	dbPath := flag.String("db", cfg.Store.SQLitePath, "SQLite database path")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Store.Driver = *driver
	cfg.Store.SQLitePath = *dbPath
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore.Close()

	// Change feed
	feed, closeFeed, err := openFeed(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to initialize change feed: %v", err)
	}
	defer closeFeed.Close()

	// Coupon exporter
	exporter, err := openExporter(ctx, cfg.Export)
	if err != nil {
		log.Fatalf("Failed to initialize exporter: %v", err)
	}

	// Ledger engine
	engine := ledger.NewEngine(store)
	engine.Feed = feed
	engine.MaxAttempts = cfg.Ledger.MaxAttempts
	engine.RetryBackoff = cfg.Ledger.RetryBackoff
	engine.Policy = rewards.NewDiscountPolicy(cfg.Ledger.CouponValidDays)
	if exporter.Sink != nil {
		engine.Exporter = exporter
	}

	// Initialize handler
	identity := &api.Identity{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer}
	if identity.DevMode() {
		log.Println("[Server] AUTH_JWT_SECRET not set; trusting X-User-ID headers (development mode)")
	}
	handler := api.NewHandler(engine, exporter, identity)
	handler.Leaderboard.Size = cfg.Ledger.LeaderboardSize
	handler.Limiter = api.NewClaimLimiter(cfg.Rate.ClaimsPerMinute, cfg.Rate.ClaimBurst)
	handler.AllowedOrigins = cfg.Server.AllowedOrigins
	defer handler.Close()

	// Badge audit
	audit := api.NewBadgeAuditScheduler(store, engine)
	audit.Interval = cfg.Scheduler.AuditInterval
	audit.Enabled = cfg.Scheduler.Enabled
	if err := audit.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer audit.Stop()
	handler.Audit = audit

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("[Server] Listening on http://%s (store=%s)", server.Addr, cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Forced to shutdown: %v", err)
	}

	log.Println("[Server] Stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, io.Closer, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.NewMemory(), closerFunc(func() error { return nil }), nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.Database.URL(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openFeed(ctx context.Context, cfg config.RedisConfig) (notify.Feed, io.Closer, error) {
	if cfg.Addr == "" {
		b := notify.NewBroker()
		return b, closerFunc(b.Close), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}

	f := notify.NewRedisFeed(client, cfg.Channel)
	if err := f.Start(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return f, closerFunc(func() error {
		f.Close()
		return client.Close()
	}), nil
}

func openExporter(ctx context.Context, cfg config.ExportConfig) (*export.Service, error) {
	switch cfg.Sink {
	case config.SinkNone:
		return export.NewService(nil), nil
	case config.SinkS3:
		sink, err := export.NewS3Sink(ctx, export.S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return export.NewService(sink), nil
	default:
		sink, err := export.NewDirSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return export.NewService(sink), nil
	}
}
