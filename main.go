package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cloudrt/internal/config"
	"cloudrt/internal/logger"
	"cloudrt/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	cfg        *config.Config
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "cloudrt",
		Short:         "Treelet-distributed ray tracing workers and coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to config.yaml")

	root.AddCommand(
		a.workerCmd(),
		a.coordinatorCmd(),
		a.localCmd(),
		a.aggregateCmd(),
		a.objectsCmd(),
		a.synthSceneCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("Interrupted")
		} else {
			log.Error().Err(err).Msg("Fatal error")
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		stop()
		os.Exit(1)
	}
}

// setup loads .env, the config file and environment overrides, then installs the logger
func (a *app) setup() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := logger.InitLogger(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (storage.Backend, error) {
	store, err := storage.Open(ctx, a.cfg.Storage.URI, a.cfg.Storage.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	l := logger.Component("storage")
	l.Debug().Str("uri", a.cfg.Storage.URI).Msg("Storage opened")
	return store, nil
}
