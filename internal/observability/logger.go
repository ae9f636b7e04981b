package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger returns the global logger tagged with the owning actor.
func ComponentLogger(app string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Logger()
}
