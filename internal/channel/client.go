package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/observability"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrInvalidClientConfig = errors.New("channel: invalid client config")

// ClientConfig points the foreground at the agent's hub.
type ClientConfig struct {
	URL              string
	Identity         liveness.SessionIdentity
	Token            string
	HandshakeTimeout time.Duration
}

func (c ClientConfig) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss", ErrInvalidClientConfig)
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	return nil
}

// Client is the foreground side of the websocket channel. It redials lazily
// on the next Send after the socket drops.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	inbox  chan envelope.Envelope

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Dial builds a client and makes one connection attempt. An unreachable
// agent is not an error; the next Send retries.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		inbox: make(chan envelope.Envelope, inboxBuffer),
	}
	if _, err := c.connect(ctx); err != nil {
		log.Debug().Err(err).Str("url", cfg.URL).Msg("channel: initial dial failed")
	}
	return c, nil
}

func (c *Client) Send(ctx context.Context, env envelope.Envelope) error {
	payload, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn)
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

func (c *Client) Inbox() <-chan envelope.Envelope {
	return c.inbox
}

// HasPeer reports whether the socket to the agent is currently open.
func (c *Client) HasPeer(id liveness.SessionIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && (id == "" || id == c.cfg.Identity)
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("identity", c.cfg.Identity.String())
	u.RawQuery = q.Encode()
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(envelope.MaxEnvelopeBytes)
	c.conn = conn
	go c.readLoop(conn)
	log.Debug().Str("identity", c.cfg.Identity.String()).Msg("channel: connected to agent")
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.drop(conn)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := envelope.Unmarshal(msg)
		if err != nil {
			log.Warn().Err(err).Msg("channel: dropping malformed envelope")
			observability.RecordEnvelope("in", "invalid", false)
			continue
		}
		select {
		case c.inbox <- env:
		default:
			log.Warn().Str("envelope", string(env.Type)).Msg("channel: client inbox full, dropping")
		}
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}
