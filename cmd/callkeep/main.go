package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/callkeep/internal/config"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/logging"
	"github.com/danmuck/callkeep/internal/node"
	"github.com/rs/zerolog/log"
)

type CLI struct {
	Config string `help:"Path to the TOML config." default:"callkeep.toml" type:"path" env:"CALLKEEP_CONFIG"`

	Agent      AgentCmd      `cmd:"" help:"Run the background agent."`
	Foreground ForegroundCmd `cmd:"" help:"Run a foreground session for one identity."`
	Functions  FunctionsCmd  `cmd:"" help:"Serve the credentials, heartbeat and transfer endpoints."`
	Status     StatusCmd     `cmd:"" help:"Print the shared liveness store."`
	Conf       ConfigCmd     `cmd:"" name:"config" help:"Manage the config file."`
	Version    VersionCmd    `cmd:"" help:"Print the version."`
}

// Globals are handed to every subcommand's Run.
type Globals struct {
	ConfigPath string
}

func main() {
	logging.ConfigureRuntime()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("callkeep"),
		kong.Description("Keeps a telephony session reachable and reconnects it when it drops."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)
	if err := ctx.Run(&Globals{ConfigPath: cli.Config}); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Str("command", ctx.Command()).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the file does not exist.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("config not found; using defaults")
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	log.Info().Str("path", path).Msg("loaded config")
	return cfg, nil
}

func openStore(cfg config.Config) (liveness.Store, error) {
	store, err := liveness.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.Store.Driver).Str("path", cfg.Store.Path).Msg("store opened")
	return store, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type VersionCmd struct{}

func (c *VersionCmd) Run(*Globals) error {
	_, err := os.Stdout.WriteString("callkeep " + node.Version + "\n")
	return err
}
