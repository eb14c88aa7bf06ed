// Package helpers wires broker components from a loaded configuration, for
// use by the CLI subcommands.
package helpers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stephnangue/granter/authclient"
	"github.com/stephnangue/granter/broker"
	"github.com/stephnangue/granter/cache"
	"github.com/stephnangue/granter/config"
	"github.com/stephnangue/granter/cred"
	"github.com/stephnangue/granter/logger"
	"github.com/stephnangue/granter/ratelimit"
	"github.com/stephnangue/granter/refresher"
)

// NewLogger builds a logger from the config's log options.
func NewLogger(cfg *config.Config) logger.Logger {
	logConfig := logger.DefaultConfig()
	logConfig.Level = logger.ParseLogLevel(cfg.LogLevel)
	logConfig.Format = logger.ParseOutputFormat(cfg.LogFormat)
	if cfg.LogFile != "" {
		logConfig.FileConfig = &logger.FileConfig{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		}
	}
	return logger.NewZerologLogger(logConfig)
}

// Runtime holds the wired broker and its background scheduler.
type Runtime struct {
	Broker    *broker.Broker
	Scheduler *refresher.Scheduler
	Log       logger.Logger
}

// Close stops the background scheduler and flushes the logger.
func (r *Runtime) Close() {
	r.Scheduler.Stop()
	r.Log.Close()
}

// BuildRuntime wires all broker components from the configuration. The
// scheduler is started before returning.
func BuildRuntime(cfg *config.Config) (*Runtime, error) {
	log := NewLogger(cfg)

	registry := cred.NewRegistry()
	for _, block := range cfg.Identities {
		kind, err := cred.ParseKind(block.Kind)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", block.Name, err)
		}
		identity := &cred.Identity{
			Name:      block.Name,
			Kind:      kind,
			SecretRef: block.SecretFile,
			Options:   block.Options,
		}
		if err := registry.Register(identity); err != nil {
			return nil, err
		}
	}

	var exchanger cred.Exchanger
	if cfg.Auth != nil {
		client, err := authclient.New(&authclient.Config{
			TokenURL: cfg.Auth.TokenURL,
			Timeout:  cfg.AuthTimeout(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("building auth client: %w", err)
		}
		exchanger = client
	} else {
		exchanger = unavailableExchanger{}
	}

	store := cred.NewStore(cred.NewFileSource(), exchanger, log)
	tokenCache := cache.New(cfg.RenewalThreshold(), cfg.EvictionGrace())

	windows := make(map[string]ratelimit.Window, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		windows[rl.Service] = ratelimit.Window{
			Window:   time.Duration(rl.WindowSeconds) * time.Second,
			MaxCalls: rl.MaxCalls,
		}
	}
	limiter := ratelimit.New(windows)

	scheduler := refresher.New(tokenCache, store, registry, refresher.Config{
		TickInterval: cfg.TickInterval(),
		MaxRetries:   cfg.MaxRetryCount(),
		BackoffBase:  cfg.BackoffBase(),
		BackoffCap:   cfg.BackoffCap(),
	}, log)
	scheduler.Start()

	b := broker.New(registry, store, tokenCache, limiter, log)
	b.SetIssuanceTimeout(cfg.IssuanceTimeout())

	return &Runtime{Broker: b, Scheduler: scheduler, Log: log}, nil
}

// LoadConfig loads the configuration from the --config flag value, falling
// back to the GRANTER_CONFIG environment variable.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("GRANTER_CONFIG")
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file: pass --config or set GRANTER_CONFIG")
	}
	return config.LoadConfig(path)
}

// unavailableExchanger rejects every exchange. Installed when no auth block
// is configured, so static identities keep working without one.
type unavailableExchanger struct{}

func (unavailableExchanger) Exchange(_ context.Context, req *cred.ExchangeRequest) (*cred.ExchangeResponse, error) {
	return nil, fmt.Errorf("%w: no auth block configured, cannot exchange secret for identity %q",
		cred.ErrSecretUnavailable, req.Identity)
}
