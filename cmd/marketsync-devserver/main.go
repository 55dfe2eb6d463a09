package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/marketsync/internal/catalog"
	"github.com/agentworkforce/marketsync/internal/devserver"
	"github.com/agentworkforce/marketsync/internal/logging"
)

func main() {
	addr := os.Getenv("MARKETSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger, err := logging.New(os.Stderr, os.Getenv("MARKETSYNC_LOG_LEVEL"), os.Getenv("MARKETSYNC_LOG_FORMAT"))
	if err != nil {
		log.Fatalf("invalid logging settings: %v", err)
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := catalog.NewStoreWithOptions(catalog.StoreOptions{StateBackend: stateBackend})
	if err != nil {
		log.Fatalf("failed to load catalog: %v", err)
	}

	jwtSecret := os.Getenv("MARKETSYNC_JWT_SECRET")
	server := devserver.NewServerWithConfig(store, devserver.ServerConfig{
		JWTSecret:          jwtSecret,
		InternalHMACSecret: os.Getenv("MARKETSYNC_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("MARKETSYNC_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("MARKETSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("MARKETSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("MARKETSYNC_MAX_BODY_BYTES", 0),
		MaxUploadBytes:     int64Env("MARKETSYNC_MAX_UPLOAD_BYTES", 0),
		Logger:             logger,
	})
	if user := strings.TrimSpace(os.Getenv("MARKETSYNC_DEV_USER")); user != "" {
		if jwtSecret == "" {
			jwtSecret = "dev-secret"
		}
		fmt.Printf("MARKETSYNC_USER_ID=%s\nMARKETSYNC_TOKEN=%s\n", user, devserver.IssueToken(jwtSecret, user, 24*time.Hour, time.Now()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, addr, server, logger); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func serve(ctx context.Context, addr string, server *devserver.Server, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("marketsync devserver listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Sockets are hijacked and not tracked by Shutdown.
		closeErr := server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), closeErr)
	})
	return g.Wait()
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

func buildStateBackendFromEnv() (catalog.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("MARKETSYNC_STATE_BACKEND_DSN")); dsn != "" {
		return catalog.BuildStateBackendFromDSN(dsn)
	}
	if stateFile := strings.TrimSpace(os.Getenv("MARKETSYNC_STATE_FILE")); stateFile != "" {
		return catalog.BuildStateBackendFromDSN(stateFile)
	}
	return catalog.BuildStateBackendFromDSN(profileDSN)
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("MARKETSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("MARKETSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".marketsync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("MARKETSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("MARKETSYNC_POSTGRES_DSN is required when MARKETSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "catalog.json"), nil
	default:
		return "", fmt.Errorf("unsupported MARKETSYNC_BACKEND_PROFILE: %s", profile)
	}
}
