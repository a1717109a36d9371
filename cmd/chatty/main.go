package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatty/internal/bus"
	"chatty/internal/config"
	"chatty/internal/domain"
	"chatty/internal/metrics"
	"chatty/internal/provider"
	"chatty/internal/server"
	"chatty/internal/store"
	"chatty/internal/stream"
)

var (
	version    = "0.1.0"
	configPath string // overridable via --config flag
)

func main() {
	root := &cobra.Command{
		Use:   "chatty",
		Short: "Chatty: streaming chat server and client",
		Long:  "Chatty is a streaming conversational AI pipeline: an SSE/WebSocket chat server with pluggable generation providers, and a terminal client with optional speech output.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.chatty/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or the
// default location when a file exists there.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return ""
}

func loadConfig() (config.Config, error) {
	return config.Load(resolveConfigPath())
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
					return err
				}
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer msgStore.Close()

	gen, err := provider.FromConfig(cfg.Provider, logger)
	if err != nil {
		return err
	}

	events := bus.New(logger)
	events.On("*", func(ev bus.Event) {
		logger.Debug("exchange event", "type", ev.Type, "conversation", ev.ConversationID, "chunks", ev.Chunks, "reason", ev.Reason)
	})

	collector := metrics.NewCollector()
	manager := stream.NewManager(msgStore, gen, events, collector, logger, stream.Options{
		MaxHistory:      cfg.Stream.MaxHistory,
		ExchangeTimeout: time.Duration(cfg.Stream.ExchangeTimeoutS) * time.Second,
		RatePerMinute:   cfg.Server.RatePerMinute,
		RateBurst:       cfg.Server.RateBurst,
		MaxTokens:       cfg.Provider.MaxTokens,
		Temperature:     cfg.Provider.Temperature,
	})

	srv := server.New(cfg.Server, manager, msgStore, gen, collector, logger)
	logger.Info("starting chatty", "version", version, "provider", gen.Name(), "store", cfg.Store.Driver)
	return srv.Start(ctx)
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (domain.MessageStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Path, logger)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Client.BaseURL+"/status", nil)
			if err != nil {
				return err
			}
			if cfg.Server.Auth.Enabled {
				req.SetBasicAuth(cfg.Server.Auth.Username, os.Getenv("CHATTY_PASSWORD"))
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, body)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatty %s\n", version)
		},
	}
}
