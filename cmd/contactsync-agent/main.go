package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/contactsync/internal/agent"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CONTACTSYNC_BASE_URL", "http://127.0.0.1:8080"), "sync server base URL")
	deviceID := flag.String("device-id", strings.TrimSpace(os.Getenv("CONTACTSYNC_DEVICE_ID")), "device ID")
	contactsFile := flag.String("contacts-file", strings.TrimSpace(os.Getenv("CONTACTSYNC_CONTACTS_FILE")), "local contacts JSON file")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("CONTACTSYNC_AGENT_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("CONTACTSYNC_AGENT_INTERVAL", 30*time.Second), "fallback sync interval")
	batchSize := flag.Int("batch-size", 0, "delta pull batch size")
	timeout := flag.Duration("timeout", durationEnv("CONTACTSYNC_AGENT_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if strings.TrimSpace(*deviceID) == "" {
		log.Fatalf("device-id is required (--device-id or CONTACTSYNC_DEVICE_ID)")
	}
	if strings.TrimSpace(*contactsFile) == "" {
		log.Fatalf("contacts-file is required (--contacts-file or CONTACTSYNC_CONTACTS_FILE)")
	}

	logger, err := buildLogger(*verbose)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	client := agent.NewClient(*baseURL, &http.Client{Timeout: *timeout})
	syncer, err := agent.NewSyncer(client, agent.SyncerOptions{
		DeviceID:     strings.TrimSpace(*deviceID),
		ContactsFile: *contactsFile,
		StateFile:    *stateFile,
		Interval:     *interval,
		BatchSize:    *batchSize,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			logger.Fatal("sync failed", zap.Error(err))
		}
		logger.Info("sync completed")
		return
	}

	if err := syncer.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("agent stopped", zap.Error(err))
	}
	logger.Info("agent stopping")
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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
