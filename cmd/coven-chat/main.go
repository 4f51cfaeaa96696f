// ABOUTME: Terminal chat client: streams assistant replies and keeps the conversation in SQLite
// ABOUTME: Usage: coven-chat [-config path] [-context-type project -context-id p-1] [-db path]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/logging"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
)

func main() {
	configPath := flag.String("config", config.Path(), "Config file (YAML or TOML)")
	contextType := flag.String("context-type", "", "Conversation context type (overrides context.type)")
	contextID := flag.String("context-id", "", "Conversation context id (overrides context.id)")
	dbPath := flag.String("db", "", "SQLite database path (overrides database.path)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *contextType != "" {
		cfg.Context.Type = *contextType
		cfg.Context.ID = *contextID
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
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

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	identity := &auth.TokenProvider{
		EnvVar: cfg.Auth.TokenEnv,
		File:   cfg.Auth.TokenFile,
		Logger: logger,
	}
	if cfg.Auth.JWTSecret != "" {
		identity.Verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	client, err := assistant.NewClient(assistant.Config{
		BaseURL: cfg.Assistant.BaseURL,
		Path:    cfg.Assistant.Path,
		Timeout: cfg.Assistant.Timeout,
	}, identity, logger)
	if err != nil {
		return fmt.Errorf("creating assistant client: %w", err)
	}

	window := dedupe.New(dedupe.Options{TTL: cfg.Notifications.DedupeWindow})
	defer window.Close()

	resolver := session.New(db, identity, logger)
	svc := conversation.New(conversation.Deps{
		Resolver:       resolver,
		Messages:       db,
		Streamer:       client,
		Notifier:       newNotifier(os.Stderr, window, logger),
		Logger:         logger,
		PersistTimeout: cfg.Database.PersistTimeout,
	})
	defer svc.Close()

	fmt.Printf("coven-chat talking to %s\n", client.Endpoint())
	if principal, ok := identity.CurrentPrincipal(ctx); ok {
		fmt.Printf("Signed in as %s\n", principal)
	} else {
		fmt.Printf("Not signed in (set %s or write %s)\n", cfg.Auth.TokenEnv, cfg.Auth.TokenFile)
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")

	r := newREPL(svc, resolver, os.Stdout, logger)
	r.switchContext(ctx, session.Context{Type: cfg.Context.Type, ID: cfg.Context.ID})
	defer r.close()

	return r.run(ctx, os.Stdin)
}

// newNotifier prints notifications to out. Repeated busy warnings inside the
// window are collapsed; every failed operation is still reported.
func newNotifier(out io.Writer, window *dedupe.Window, logger *slog.Logger) notify.Notifier {
	return notify.NewDedupe(notify.NewWriter(out), window, logger)
}
