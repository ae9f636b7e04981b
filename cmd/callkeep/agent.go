package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/danmuck/callkeep/internal/auth"
	"github.com/danmuck/callkeep/internal/background"
	"github.com/danmuck/callkeep/internal/channel"
	"github.com/danmuck/callkeep/internal/config"
	"github.com/danmuck/callkeep/internal/remote"
	"github.com/danmuck/callkeep/internal/tools"
	"github.com/rs/zerolog/log"
)

type AgentCmd struct {
	Addr string `help:"Listen address override."`
}

func (c *AgentCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Agent.Addr = c.Addr
	}
	caps := config.ResolveCapabilities(cfg, nil)
	log.Info().
		Bool("notifications", caps.Notifications).
		Bool("background_timers", caps.BackgroundTimers).
		Msg("agent capabilities")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	httpClient, err := remote.NewHTTPClient(cfg.HTTPConfig())
	if err != nil {
		return err
	}
	heartbeat, err := remote.NewHeartbeatClient(cfg.Endpoints.BaseURL, httpClient)
	if err != nil {
		return err
	}

	runner := tools.ExecRunner{}
	hub := channel.NewHub()
	deps := background.Deps{
		Store:     store,
		Channel:   hub,
		Opener:    background.ExecOpener{Runner: runner, OpenCommand: cfg.Agent.OpenCommand, FocusCommand: cfg.Agent.FocusCommand},
		Heartbeat: heartbeat,
	}
	if caps.Notifications {
		deps.Notifier = background.NewExecNotifier(runner, cfg.Agent.NotifyCommand)
	}
	agent, err := background.NewAgent(cfg.AgentConfig(caps), deps)
	if err != nil {
		return err
	}

	var validator auth.Validator
	if cfg.Agent.Token != "" {
		validator = auth.StaticToken{Token: cfg.Agent.Token}
	} else {
		log.Warn().Msg("agent token not set; channel and status are unauthenticated")
	}
	server := background.NewServer(cfg.Agent.ID, cfg.Agent.Addr, cfg.Agent.CORSOrigins, agent, hub, validator)

	ctx, stop := signalContext()
	defer stop()
	return runAll(ctx, server.Serve, agent.Run)
}

// runAll runs every fn until the first one returns, then cancels the rest.
func runAll(ctx context.Context, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(fns))
	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			errs <- fn(ctx)
		}(fn)
	}
	first := <-errs
	cancel()
	wg.Wait()
	if errors.Is(first, context.Canceled) || errors.Is(first, http.ErrServerClosed) {
		return nil
	}
	return first
}
