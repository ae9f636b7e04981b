package background

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/callkeep/internal/auth"
	"github.com/danmuck/callkeep/internal/channel"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/node"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Server exposes the agent's channel hub and probes over HTTP.
type Server struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	agent     *Agent
	hub       *channel.Hub
	validator auth.Validator
	router    *gin.Engine
}

var _ node.Node = (*Server)(nil)

func NewServer(id, addr string, corsOrigins []string, agent *Agent, hub *channel.Hub, v auth.Validator) *Server {
	s := &Server{
		ID:        id,
		Addr:      addr,
		Appeared:  time.Now(),
		agent:     agent,
		hub:       hub,
		validator: v,
		router:    node.NewRouter(id, corsOrigins),
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "agent"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	node.RegisterProbes(s.router, s.ID, s.Appeared, s.ready)
	s.hub.Routes(s.router, s.validator)

	private := s.router.Group("/", auth.Require(s.validator))
	private.GET("/status", func(c *gin.Context) {
		ctx := c.Request.Context()
		rec, err := liveness.LoadRecord(ctx, s.agent.deps.Store)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		id, _, _ := liveness.LoadIdentity(ctx, s.agent.deps.Store)
		c.JSON(http.StatusOK, gin.H{
			"identity": id,
			"record":   rec,
			"agent":    s.agent.Status(),
			"peers":    s.hub.Peers(),
		})
	})

	private.POST("/tick", func(c *gin.Context) {
		decision, err := s.agent.OnTick(c.Request.Context())
		if errors.Is(err, ErrTickSkipped) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decision": decision.String()})
	})

	private.POST("/notifications/:tag/actions/:action", func(c *gin.Context) {
		in := Interaction{
			Tag:    c.Param("tag"),
			Action: c.Param("action"),
			Data:   map[string]string{"identity": c.Query("identity")},
		}
		if err := s.agent.OnNotificationAction(c.Request.Context(), in); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, liveness.ErrIdentityRequired) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Serve blocks until ctx ends, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("agent listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) ready() error {
	_, _, err := s.agent.deps.Store.Get(context.Background(), liveness.KeyRecord)
	if errors.Is(err, liveness.ErrStoreClosed) {
		return err
	}
	return nil
}
