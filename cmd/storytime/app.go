package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/storytime/internal/config"
	"github.com/mihaimyh/storytime/pkg/engine"
	zerologadapter "github.com/mihaimyh/storytime/pkg/engine/logger/zerolog"
	prommetrics "github.com/mihaimyh/storytime/pkg/engine/metrics/prometheus"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

const metricsNamespace = "storytime"

var errMissingAccount = errors.New("--account is required")

// app carries the state shared by every command of one invocation.
type app struct {
	out io.Writer

	// set from flags
	envFiles  []string
	accountID string
	overrides config.Config

	cfg      config.Config
	log      engine.Logger
	zlog     zerolog.Logger
	reg      *prometheus.Registry
	metrics  *prommetrics.Metrics
	storage  engine.Storage
	registry *engine.Registry
	closers  []func() error

	// clock and injected storage replace the wall clock and the configured
	// backend when set
	clock    engine.Clock
	injected engine.Storage
}

func newApp(out io.Writer) *app {
	return &app{out: out}
}

// setup loads configuration, applies flag overrides and builds the registry.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	a.cfg = a.applyOverrides(cmd, cfg)
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	a.zlog = newZerolog(a.cfg, cmd.ErrOrStderr())
	a.log = zerologadapter.NewLogger(&a.zlog)

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = prommetrics.NewMetrics(a.reg, metricsNamespace)

	if a.injected != nil {
		a.storage = a.injected
	} else {
		s, closers, err := openStorage(cmd.Context(), a.cfg, a.log)
		if err != nil {
			return err
		}
		a.storage = s
		a.closers = closers
	}
	if a.cfg.BreakerThreshold > 0 {
		a.storage = engine.NewCircuitBreakerStorage(a.storage, engine.NewDefaultCircuitBreaker(engine.CircuitBreakerConfig{
			FailureThreshold: a.cfg.BreakerThreshold,
			ResetTimeout:     a.cfg.BreakerTimeout,
			OnStateChange: func(state engine.CircuitBreakerState) {
				a.metrics.RecordCircuitBreakerStateChange(string(state))
				a.log.Warn("storage circuit breaker changed state", engine.Field{Key: "state", Value: string(state)})
			},
		}))
	}

	engineCfg, err := a.engineConfig()
	if err != nil {
		return err
	}
	a.registry, err = engine.NewRegistry(a.storage, engineCfg)
	return err
}

func (a *app) applyOverrides(cmd *cobra.Command, cfg config.Config) config.Config {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = a.overrides.Backend
	}
	if flags.Changed("badger-path") {
		cfg.BadgerPath = a.overrides.BadgerPath
	}
	if flags.Changed("timezone") {
		cfg.Timezone = a.overrides.Timezone
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.overrides.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.overrides.LogFormat
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = a.overrides.ListenAddr
	}
	return cfg
}

func (a *app) engineConfig() (engine.Config, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return engine.Config{}, err
	}

	cfg := engine.Config{
		Location: loc,
		Clock:    a.clock,
		Logger:   a.log,
		Metrics:  a.metrics,
		Notifier: engine.NotifierFunc(a.profileChanged),
	}
	if a.cfg.TiersFile != "" {
		if cfg.Tiers, err = quota.LoadCatalogFile(a.cfg.TiersFile); err != nil {
			return engine.Config{}, err
		}
	}
	if a.cfg.InterestsFile != "" {
		if cfg.Interests, err = progression.LoadInterestCatalogFile(a.cfg.InterestsFile); err != nil {
			return engine.Config{}, err
		}
	}
	return cfg, nil
}

// profileChanged stands in for the reminder scheduler: it only logs.
func (a *app) profileChanged(_ context.Context, res engine.Result) error {
	event := a.zlog.Info()
	if res.StageChanged {
		event = event.Stringer("from", res.OldStage).Stringer("to", res.NewStage)
	}
	event.Strs("interests_added", res.InterestsAdded).
		Strs("interests_removed", res.InterestsRemoved).
		Bool("awaiting_birth_date", res.AwaitingBirthDate).
		Msg("profile progressed")
	return nil
}

func (a *app) engine() (*engine.Engine, error) {
	if a.accountID == "" {
		return nil, errMissingAccount
	}
	return a.registry.Engine(a.accountID)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func newZerolog(cfg config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
