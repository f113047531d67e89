// Command feedprovider runs the feed value provider: exchange
// adapters in, consensus prices out over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/httpapi"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/integration"
)

// Process exit codes.
const (
	exitOK             = 0
	exitInitFailure    = 1
	exitConfigError    = 2
	exitShutdownForced = 3
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "feedprovider",
		Short:         "Multi-exchange consensus price feed provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config (built-in defaults when omitted)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (trace..error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the provider until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runServe())
			return nil
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

func runServe() int {
	cfg, code, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return code
	}

	logger := newLogger(cfg.LogLevel)

	svc, err := integration.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("provider construction failed")
		return exitInitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("provider startup failed")
		return exitInitFailure
	}

	server := httpapi.NewServer(cfg.Server, svc, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("http server failed")
		svc.Stop()
		return exitInitFailure
	}

	// Bounded shutdown: drain HTTP first, then the pipeline.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		svc.Stop()
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
		return exitOK
	case <-time.After(cfg.Server.ShutdownGrace + 10*time.Second):
		logger.Error().Msg("shutdown exceeded grace, forcing exit")
		return exitShutdownForced
	}
}

// loadConfig resolves the effective configuration; any file or
// validation problem is a config error.
func loadConfig() (config.Config, int, error) {
	var (
		cfg config.Config
		err error
	)
	if flagConfig == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return cfg, exitConfigError, err
		}
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, exitOK, nil
}

// newLogger builds the process logger: human console output on a
// terminal, JSON lines otherwise.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
