package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentworkforce/contactsync/internal/contactsync"
	"github.com/agentworkforce/contactsync/internal/httpapi"
)

func main() {
	_ = godotenv.Load()

	logger, err := buildLogger(strings.TrimSpace(os.Getenv("CONTACTSYNC_ENV")))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	addr := os.Getenv("CONTACTSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := contactsync.BuildStoreFromDSN(strings.TrimSpace(os.Getenv("CONTACTSYNC_STORE_DSN")))
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer store.Close()

	presence := contactsync.NewPresenceTracker()
	engine := contactsync.NewEngine(store, presence, logger, contactsync.EngineConfig{
		DefaultBatchSize:   intEnv("CONTACTSYNC_BATCH_SIZE", 0),
		MaxBatchSize:       intEnv("CONTACTSYNC_MAX_BATCH_SIZE", 0),
		PendingThreshold:   intEnv("CONTACTSYNC_PENDING_THRESHOLD", 0),
		ChangesThreshold:   intEnv("CONTACTSYNC_CHANGES_THRESHOLD", 0),
		SweepInterval:      durationEnv("CONTACTSYNC_SWEEP_INTERVAL", 0),
		StaleThreshold:     durationEnv("CONTACTSYNC_STALE_THRESHOLD", 0),
		RetentionAge:       durationEnv("CONTACTSYNC_RETENTION_AGE", 0),
		MaxQueuedPerDevice: intEnv("CONTACTSYNC_MAX_QUEUED_PER_DEVICE", 0),
		SendTimeout:        durationEnv("CONTACTSYNC_SEND_TIMEOUT", 0),
	})

	server := httpapi.NewServer(engine, logger, httpapi.ServerConfig{
		RateLimitRPS:   floatEnv("CONTACTSYNC_RATE_LIMIT_RPS", 0),
		RateLimitBurst: intEnv("CONTACTSYNC_RATE_LIMIT_BURST", 0),
		MaxBodyBytes:   int64Env("CONTACTSYNC_MAX_BODY_BYTES", 0),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.RunSweeper(rootCtx)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	logger.Info("contactsync listening", zap.String("addr", addr))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	case <-rootCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	switch strings.ToLower(env) {
	case "", "development", "dev":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
