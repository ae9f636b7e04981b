package config

import (
	"os/exec"
	"strings"
)

// Capabilities is the resolved host feature set.
type Capabilities struct {
	SleepInhibitor   bool
	BackgroundTimers bool
	Notifications    bool
}

// LookPath finds an executable; exec.LookPath in production.
type LookPath func(file string) (string, error)

// ResolveCapabilities turns each mode into a decision. Auto modes probe the
// helper commands the feature depends on.
func ResolveCapabilities(cfg Config, lookPath LookPath) Capabilities {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	inhibit := cfg.Foreground.InhibitCommand
	if strings.TrimSpace(inhibit) == "" {
		inhibit = "systemd-inhibit"
	}
	notify := cfg.Agent.NotifyCommand
	if strings.TrimSpace(notify) == "" {
		notify = "notify-send"
	}
	return Capabilities{
		SleepInhibitor:   resolve(cfg.Capabilities.SleepInhibitor, lookPath, inhibit),
		BackgroundTimers: resolve(cfg.Capabilities.BackgroundTimers, lookPath, ""),
		Notifications:    resolve(cfg.Capabilities.Notifications, lookPath, notify),
	}
}

func resolve(mode string, lookPath LookPath, command string) bool {
	switch mode {
	case ModeOn:
		return true
	case ModeOff:
		return false
	}
	if command == "" {
		return true
	}
	_, err := lookPath(command)
	return err == nil
}
