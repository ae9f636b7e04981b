package node

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/callkeep/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const Version = "0.1.0"

// Node is an HTTP-serving process: the background agent or the functions
// server.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// NewRouter returns a gin engine with recovery, request logging, metrics
// and CORS installed.
func NewRouter(id string, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger.With().Str("node", id).Logger()))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: NormalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

// RegisterProbes mounts /health, /ready and /metrics. ready may be nil.
func RegisterProbes(routes gin.IRoutes, id string, appeared time.Time, ready func() error) {
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(appeared).String(),
			"service": id,
			"version": Version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		if ready != nil {
			if err := ready(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":   false,
					"error":   err.Error(),
					"service": id,
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(appeared).String(),
			"service": id,
			"version": Version,
		})
	})
}

// NormalizeOrigins trims, de-duplicates and drops empty origins. An empty
// list allows any origin.
func NormalizeOrigins(origins []string) []string {
	cleaned := lo.Uniq(lo.Compact(lo.Map(origins, func(o string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(o), "/")
	})))
	if len(cleaned) == 0 {
		return []string{"*"}
	}
	return cleaned
}
