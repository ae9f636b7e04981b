package main

import (
	"github.com/danmuck/callkeep/internal/functions"
	"github.com/danmuck/callkeep/internal/remote"
	"github.com/rs/zerolog/log"
)

type FunctionsCmd struct {
	Addr string `help:"Listen address override."`
}

func (c *FunctionsCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	fnCfg := cfg.FunctionsConfig()
	if c.Addr != "" {
		fnCfg.Addr = c.Addr
	}

	var calls functions.CallController
	if fnCfg.ProviderAuthToken != "" {
		httpClient, err := remote.NewHTTPClient(cfg.HTTPConfig())
		if err != nil {
			return err
		}
		calls = functions.RESTCalls{
			BaseURL:    fnCfg.ProviderURL,
			AccountSID: fnCfg.AccountSID,
			AuthToken:  fnCfg.ProviderAuthToken,
			HTTP:       httpClient,
		}
	} else {
		log.Warn().Msg("provider auth token not set; transfers disabled")
	}

	server, err := functions.NewServer(cfg.Functions.ID, fnCfg, calls, nil)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return runAll(ctx, server.Serve)
}
