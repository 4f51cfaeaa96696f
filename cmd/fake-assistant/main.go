// ABOUTME: Development assistant backend speaking the streamed chat protocol over HTTP
// ABOUTME: Usage: fake-assistant [-addr 127.0.0.1:8080] [-malformed] [-fail-after N] | -mint <principal>

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/logging"
)

func main() {
	configPath := flag.String("config", config.Path(), "Config file (YAML or TOML)")
	addr := flag.String("addr", "", "Listen address (overrides server.http_addr)")
	malformed := flag.Bool("malformed", false, "Inject an unparseable frame into every reply")
	failAfter := flag.Int("fail-after", 0, "Drop the connection after N frames (0 = never)")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between frames")
	mint := flag.String("mint", "", "Print a signed token for this principal and exit")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of a minted token")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *mint != "" {
		if err := mintToken(cfg, *mint, *ttl); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *addr != "" {
		cfg.Server.HTTPAddr = *addr
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := streamOptions{Malformed: *malformed, FailAfter: *failAfter, Delay: *delay}
	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func mintToken(cfg *config.Config, principal string, ttl time.Duration) error {
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to mint tokens")
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(principal, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func run(ctx context.Context, cfg *config.Config, opts streamOptions, logger *slog.Logger) error {
	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth.jwt_secret not set, accepting unauthenticated requests")
	}

	path := cfg.Assistant.Path
	if path == "" {
		path = assistant.DefaultPath
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           newMux(path, newStreamHandler(opts, logger), verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake assistant listening", "addr", srv.Addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
