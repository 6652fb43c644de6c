package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/livequery/internal/livequery"
	"github.com/adred-codev/livequery/internal/monitoring"
	"github.com/adred-codev/livequery/internal/pgsource"
	"github.com/adred-codev/livequery/internal/telemetry"
	"github.com/adred-codev/livequery/internal/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs already set GOMAXPROCS from the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime initialized")
	cfg.LogConfig(logger)

	if cfg.PostgresDSN == "" {
		logger.Fatal().Msg("LQ_PG_DSN is required")
	}
	source, err := pgsource.New(pgsource.Config{
		DSN:          cfg.PostgresDSN,
		MaxOpenConns: cfg.PgMaxOpenConns,
		MaxIdleConns: cfg.PgMaxIdleConns,
		QueryTimeout: cfg.PgQueryTimeout,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to postgres")
	}
	defer source.Close()

	// Post-poll telemetry: NATS when configured, debug log otherwise.
	hook := telemetry.LogHook(logger)
	var publisher *telemetry.Publisher
	if cfg.NatsURL != "" {
		publisher, err = telemetry.NewPublisher(cfg.NatsURL, cfg.NatsSubject, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to nats")
		}
		defer publisher.Close()
		hook = publisher.Hook()
	}

	state, err := livequery.NewState(livequery.StateConfig{
		Logger: logger,
		Options: livequery.Options{
			BatchSize:       cfg.BatchSize,
			RefetchInterval: cfg.RefetchInterval,
		},
		Source:          source,
		Hook:            hook,
		PushWorkers:     cfg.PushWorkers,
		ExtendedDetails: cfg.ExtendedDetails,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create live query state")
	}

	server := transport.NewServer(transport.Config{
		Addr:                       cfg.Addr,
		MaxConnections:             cfg.MaxConnections,
		MaxGoroutines:              cfg.MaxGoroutines,
		ConnectionRateLimitEnabled: cfg.ConnRateLimitEnabled,
		ConnRateLimitIPBurst:       cfg.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        cfg.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   cfg.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    cfg.ConnRateLimitGlobalRate,
		CPURejectThreshold:         cfg.CPURejectThreshold,
		MetricsInterval:            cfg.MetricsInterval,
		HTTPReadTimeout:            cfg.HTTPReadTimeout,
		HTTPWriteTimeout:           cfg.HTTPWriteTimeout,
		HTTPIdleTimeout:            cfg.HTTPIdleTimeout,
	}, state, logger)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	state.Close()
	logger.Info().Msg("Server exited")
}
