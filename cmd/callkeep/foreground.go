package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/callkeep/internal/channel"
	"github.com/danmuck/callkeep/internal/config"
	"github.com/danmuck/callkeep/internal/foreground"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/remote"
	"github.com/danmuck/callkeep/internal/tools"
	"github.com/rs/zerolog/log"
)

// ForegroundCmd runs the session manager. SIGUSR1 marks the session hidden
// and SIGUSR2 visible.
type ForegroundCmd struct {
	Identity string `arg:"" optional:"" help:"Session identity; defaults to foreground.identity."`
}

func (c *ForegroundCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	id := liveness.SessionIdentity(strings.TrimSpace(c.Identity))
	if id == "" {
		id = liveness.SessionIdentity(cfg.Foreground.Identity)
	}
	if err := id.Validate(); err != nil {
		return err
	}
	caps := config.ResolveCapabilities(cfg, nil)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	httpClient, err := remote.NewHTTPClient(cfg.HTTPConfig())
	if err != nil {
		return err
	}
	tokenCfg := cfg.TokenConfig()
	tokenCfg.HTTP = httpClient
	tokens, err := remote.NewTokenClient(tokenCfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	link, err := channel.Dial(ctx, channel.ClientConfig{
		URL:      cfg.Endpoints.ChannelURL,
		Identity: id,
		Token:    cfg.Agent.Token,
	})
	if err != nil {
		return err
	}
	defer link.Close()

	runner := tools.ExecRunner{}
	var manager *foreground.Manager
	telephony := foreground.ProcessTelephony{
		Runner:  runner,
		Command: cfg.Foreground.TelephonyCommand,
		Args:    cfg.Foreground.TelephonyArgs,
		OnExit: func(err error) {
			if manager != nil {
				_ = manager.Handle(ctx, foreground.Event{Kind: foreground.EventError, Err: err})
			}
		},
	}
	deps := foreground.Deps{
		Telephony:   telephony,
		Credentials: liveness.NewCredentialCache(store, tokens, nil),
		Store:       store,
		Channel:     link,
	}
	if caps.SleepInhibitor {
		deps.Inhibitor = foreground.CommandInhibitor{
			Runner:  runner,
			Command: cfg.Foreground.InhibitCommand,
			Args:    cfg.Foreground.InhibitArgs,
		}
	}
	manager, err = foreground.NewManager(cfg.ForegroundConfig(caps), deps)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Teardown(context.Background()) }()

	if err := manager.Activate(ctx, id); err != nil {
		return err
	}
	go forwardVisibility(ctx, manager)
	log.Info().Str("identity", id.String()).Msg("foreground running")
	return manager.Run(ctx)
}

func forwardVisibility(ctx context.Context, m *foreground.Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			kind := foreground.EventVisible
			if sig == syscall.SIGUSR1 {
				kind = foreground.EventHidden
			}
			_ = m.Handle(ctx, foreground.Event{Kind: kind})
		}
	}
}
