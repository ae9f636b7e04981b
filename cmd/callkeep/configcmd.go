package main

import (
	"fmt"
	"os"

	"github.com/danmuck/callkeep/internal/config"
)

type ConfigCmd struct {
	Init     ConfigInitCmd     `cmd:"" help:"Write a commented config template."`
	Validate ConfigValidateCmd `cmd:"" help:"Load and validate the config."`
	Show     ConfigShowCmd     `cmd:"" help:"Print the effective config with secrets masked."`
}

type ConfigInitCmd struct {
	Force bool `help:"Overwrite an existing file."`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	if err := config.WriteTemplate(g.ConfigPath, c.Force); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", g.ConfigPath)
	return nil
}

type ConfigValidateCmd struct{}

func (c *ConfigValidateCmd) Run(g *Globals) error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	caps := config.ResolveCapabilities(cfg, nil)
	fmt.Fprintf(os.Stdout, "%s ok (sleep_inhibitor=%t background_timers=%t notifications=%t)\n",
		g.ConfigPath, caps.SleepInhibitor, caps.BackgroundTimers, caps.Notifications)
	return nil
}

type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	out, err := config.Render(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
