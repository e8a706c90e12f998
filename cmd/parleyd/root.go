package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ripkitten-co/parley/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	dev        bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "parleyd",
		Short:         "Meeting data API with batched loading and live subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "in-memory store and broker with seed data")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

const devSecret = "parley-dev-secret"

func (o *rootOptions) load() (*config.Config, error) {
	var base config.Config
	if o.dev {
		base.Auth.Secret = devSecret
		base.Broker.Kind = config.BrokerMemory
		base.Logging.Level = "debug"
	}
	return config.LoadOver(base, o.configPath)
}

func newLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

func stderrLogger(cfg *config.Config) (*slog.Logger, error) {
	l, err := newLogger(os.Stderr, cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}
