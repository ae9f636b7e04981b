package functions

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/callkeep/internal/node"
	"github.com/danmuck/callkeep/internal/observability"
	"github.com/danmuck/callkeep/internal/remote"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const noDetails = "No additional details"

// Server hosts the remote endpoints.
type Server struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Appeared time.Time `json:"appeared"`

	cfg    Config
	issuer *Issuer
	calls  CallController
	clock  clock.Clock
	logger zerolog.Logger
	router *gin.Engine
}

var _ node.Node = (*Server)(nil)

// NewServer wires the routes. calls may be nil, in which case transfers
// report 503.
func NewServer(id string, cfg Config, calls CallController, clk clock.Clock) (*Server, error) {
	cfg = cfg.WithDefaults()
	if clk == nil {
		clk = clock.New()
	}
	issuer, err := NewIssuer(cfg, clk)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ID:       id,
		Addr:     cfg.Addr,
		Appeared: clk.Now(),
		cfg:      cfg,
		issuer:   issuer,
		calls:    calls,
		clock:    clk,
		logger:   observability.ComponentLogger("functions"),
		router:   node.NewRouter(id, cfg.CORSOrigins),
	}
	s.RegisterRoutes()
	return s, nil
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "functions"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	node.RegisterProbes(s.router, s.ID, s.Appeared, nil)
	s.router.GET("/credentials", s.handleCredentials)
	s.router.POST("/credentials", s.handleCredentials)
	s.router.POST("/heartbeat", s.handleHeartbeat)
	s.router.POST("/transfer", s.handleTransfer)
}

func (s *Server) handleCredentials(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		userID = strings.TrimSpace(c.PostForm("userId"))
	}
	if userID == "" {
		s.logger.Warn().Msg("credentials request without user id")
		c.JSON(http.StatusBadRequest, gin.H{"error": "User ID is required"})
		return
	}

	token, identity, err := s.issuer.Issue(userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "details": noDetails})
		return
	}
	s.logger.Info().
		Str("identity", identity).
		Str("region", s.cfg.Region).
		Dur("ttl", s.cfg.TokenTTL).
		Msg("token issued")
	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"identity": identity,
		"region":   s.cfg.Region,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req remote.HeartbeatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat body"})
			return
		}
	}
	c.JSON(http.StatusOK, EvaluateHeartbeat(req, s.clock.Now()))
}

// EvaluateHeartbeat builds the heartbeat reply. Without a user id nothing
// is requested of the client.
func EvaluateHeartbeat(req remote.HeartbeatRequest, now time.Time) remote.HeartbeatResponse {
	userID := strings.TrimSpace(req.UserID)
	resp := remote.HeartbeatResponse{
		Success:       true,
		Timestamp:     now.UTC(),
		UserID:        "unknown",
		Notifications: []remote.Notification{},
	}
	if userID == "" {
		return resp
	}
	resp.UserID = userID
	resp.Connected = req.Connected
	resp.ShouldReconnect = !req.Connected
	if !req.Connected {
		resp.Notifications = append(resp.Notifications, remote.Notification{
			Title: "Reconnect call service",
			Body:  "Your call connection has been lost. Tap to reconnect.",
			Data: map[string]string{
				"userId": userID,
				"action": "reconnect",
			},
		})
	}
	return resp
}

type transferRequest struct {
	CallSID   string `json:"callSid" form:"callSid"`
	Extension string `json:"extension" form:"extension"`
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transferRequest
	_ = c.ShouldBind(&req)
	req.CallSID = strings.TrimSpace(req.CallSID)
	req.Extension = strings.TrimSpace(req.Extension)
	s.logger.Info().Str("call_sid", req.CallSID).Str("extension", req.Extension).Msg("transfer request")
	if req.CallSID == "" || req.Extension == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing callSid or extension"})
		return
	}
	if s.calls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "call control not configured", "details": noDetails})
		return
	}

	details, err := s.Transfer(c.Request.Context(), req.CallSID, req.Extension)
	if err != nil {
		s.logger.Error().Err(err).Str("call_sid", req.CallSID).Msg("transfer failed")
		body := gin.H{"error": err.Error(), "details": noDetails}
		var perr *ProviderError
		if errors.As(err, &perr) {
			body["error"] = perr.Message
			if perr.Details != "" {
				body["details"] = perr.Details
			}
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"callDetails": gin.H{
			"from":   details.From,
			"to":     details.To,
			"status": details.Status,
		},
	})
}

// Transfer redirects a live call to the client registered for extension.
func (s *Server) Transfer(ctx context.Context, callSID, extension string) (CallDetails, error) {
	call, err := s.calls.FetchCall(ctx, callSID)
	if err != nil {
		return CallDetails{}, err
	}
	s.logger.Debug().
		Str("call_sid", callSID).
		Str("from", call.From).
		Str("to", call.To).
		Str("status", call.Status).
		Msg("call fetched")

	twiml, err := TransferTwiML(s.issuer.Identity(extension), call.To, s.cfg.Region, s.cfg.StatusCallbackURL)
	if err != nil {
		return CallDetails{}, err
	}
	if err := s.calls.RedirectCall(ctx, callSID, twiml); err != nil {
		return CallDetails{}, err
	}
	return call, nil
}

// Serve blocks until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("functions listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
