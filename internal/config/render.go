package config

import (
	gotoml "github.com/pelletier/go-toml/v2"
)

// Render encodes the effective configuration as TOML. Secrets are masked.
func Render(cfg Config) ([]byte, error) {
	return gotoml.Marshal(toFile(cfg))
}
