// Command airtable-oauth-server runs the OAuth proxy between an MCP
// runtime and Airtable. Configuration comes from flags and the
// environment; see the README for the full variable list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	oauth "github.com/onimsha/airtable-mcp-server-oauth"
	airtableprovider "github.com/onimsha/airtable-mcp-server-oauth/providers/airtable"
	"github.com/onimsha/airtable-mcp-server-oauth/storage"
	"github.com/onimsha/airtable-mcp-server-oauth/storage/memory"
	"github.com/onimsha/airtable-mcp-server-oauth/storage/valkey"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "airtable-oauth-server:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr    = flag.String("addr", getEnvOrDefault("LISTEN_ADDR", ":8085"), "listen address")
		backend = flag.String("store", getEnvOrDefault("STORE_BACKEND", "memory"), "storage backend: memory or valkey")
	)
	flag.Parse()

	logger := setupLogger()
	slog.SetDefault(logger)

	issuer := getEnvOrDefault("OAUTH_ISSUER", "http://localhost:8085")

	provider, err := airtableprovider.NewProvider(airtableprovider.Config{
		ClientID:     getEnvOrFail("AIRTABLE_CLIENT_ID"),
		ClientSecret: os.Getenv("AIRTABLE_CLIENT_SECRET"),
		RedirectURL:  getEnvOrDefault("AIRTABLE_REDIRECT_URL", strings.TrimSuffix(issuer, "/")+"/auth/callback"),
	})
	if err != nil {
		return fmt.Errorf("airtable provider: %w", err)
	}

	var (
		tokenStore  storage.TokenStore
		clientStore storage.ClientStore
		flowStore   storage.FlowStore
	)
	switch *backend {
	case "memory":
		ms := memory.New()
		ms.SetLogger(logger)
		defer ms.Stop()
		tokenStore, clientStore, flowStore = ms, ms, ms
	case "valkey":
		vs, err := valkey.New(valkey.Config{
			Address:  getEnvOrDefault("VALKEY_ADDR", "localhost:6379"),
			Password: os.Getenv("VALKEY_PASSWORD"),
			DB:       getIntEnv("VALKEY_DB", 0),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("valkey store: %w", err)
		}
		defer vs.Close()
		tokenStore, clientStore, flowStore = vs, vs, vs
	default:
		return fmt.Errorf("unknown store backend %q", *backend)
	}

	srv, err := oauth.New(provider, tokenStore, clientStore, flowStore, &oauth.Config{
		Issuer: issuer,
		Security: oauth.SecurityConfig{
			RegistrationAccessToken: os.Getenv("OAUTH_REGISTRATION_TOKEN"),
			DisableRegistration:     getBoolEnv("DISABLE_REGISTRATION", false),
			AllowInsecureHTTP:       getBoolEnv("ALLOW_INSECURE_HTTP", false),
			TrustProxy:              getBoolEnv("TRUST_PROXY", false),
			TrustedProxyCount:       getIntEnv("TRUSTED_PROXY_COUNT", 1),
			EnableAuditLogging:      getBoolEnv("ENABLE_AUDIT_LOGGING", true),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("oauth server: %w", err)
	}
	defer srv.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", srv.Routes())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting OAuth proxy",
			"addr", *addr,
			"issuer", issuer,
			"store", *backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if getBoolEnv("LOG_JSON", true) {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvOrFail(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "airtable-oauth-server: %s is required\n", key)
		os.Exit(1)
	}
	return v
}

func getBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
