package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/olekukonko/tablewriter"
)

type StatusCmd struct {
	Prefix string `help:"Only show keys with this prefix."`
	Width  int    `help:"Truncate values to this many characters." default:"72"`
}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g.ConfigPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	lister, ok := store.(liveness.Lister)
	if !ok {
		return fmt.Errorf("store driver %q cannot list keys", cfg.Store.Driver)
	}
	ctx := context.Background()
	keys, err := lister.Keys(ctx, c.Prefix)
	if err != nil {
		return err
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "Value")
	for _, key := range keys {
		raw, found, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := table.Append(key, truncate(string(raw), c.Width)); err != nil {
			return err
		}
	}
	return table.Render()
}

func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width-1]) + "…"
}
