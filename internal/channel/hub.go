package channel

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/callkeep/internal/auth"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/observability"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	peerBuffer  = 32
	inboxBuffer = 64
)

// Hub is the agent side of the websocket channel. Every connected socket is
// a peer for the identity it registered with.
type Hub struct {
	upgrader websocket.Upgrader
	inbox    chan envelope.Envelope
	done     chan struct{}

	mu        sync.RWMutex
	peers     map[liveness.SessionIdentity]map[*hubPeer]struct{}
	closeOnce sync.Once
}

type hubPeer struct {
	hub  *Hub
	id   liveness.SessionIdentity
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		inbox: make(chan envelope.Envelope, inboxBuffer),
		done:  make(chan struct{}),
		peers: make(map[liveness.SessionIdentity]map[*hubPeer]struct{}),
	}
}

// Routes mounts GET /channel behind v.
func (h *Hub) Routes(r gin.IRoutes, v auth.Validator) {
	r.GET("/channel", auth.Require(v), h.handleChannel)
}

func (h *Hub) handleChannel(c *gin.Context) {
	id := liveness.SessionIdentity(strings.TrimSpace(c.Query("identity")))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "channel closed"})
		return
	default:
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("identity", id.String()).Msg("channel: websocket upgrade failed")
		return
	}
	p := &hubPeer{
		hub:  h,
		id:   id,
		conn: conn,
		send: make(chan []byte, peerBuffer),
		done: make(chan struct{}),
	}
	h.add(p)
	log.Info().Str("identity", id.String()).Msg("channel: peer connected")
	go p.writePump()
	go p.readPump()
}

// Send delivers env to every peer of env.SessionID, or to all peers when
// the envelope carries no identity.
func (h *Hub) Send(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	targets := h.targets(env.SessionID)
	if len(targets) == 0 {
		return fmt.Errorf("%w: no peer for %q", ErrDelivery, env.SessionID)
	}
	delivered := 0
	for _, p := range targets {
		select {
		case p.send <- payload:
			delivered++
		case <-p.done:
		default:
			log.Warn().Str("identity", p.id.String()).Str("envelope", string(env.Type)).Msg("channel: peer buffer full, dropping")
		}
	}
	if delivered == 0 {
		return fmt.Errorf("%w: no peer accepted %s", ErrDelivery, env.Type)
	}
	return nil
}

func (h *Hub) Inbox() <-chan envelope.Envelope {
	return h.inbox
}

func (h *Hub) HasPeer(id liveness.SessionIdentity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id == "" {
		for _, set := range h.peers {
			if len(set) > 0 {
				return true
			}
		}
		return false
	}
	return len(h.peers[id]) > 0
}

// Peers lists identities with at least one live socket.
func (h *Hub) Peers() []liveness.SessionIdentity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]liveness.SessionIdentity, 0, len(h.peers))
	for id, set := range h.peers {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		for _, p := range h.targets("") {
			p.close()
		}
	})
	return nil
}

func (h *Hub) add(p *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[p.id]
	if !ok {
		set = make(map[*hubPeer]struct{})
		h.peers[p.id] = set
	}
	set[p] = struct{}{}
}

func (h *Hub) remove(p *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.peers[p.id]
	delete(set, p)
	if len(set) == 0 {
		delete(h.peers, p.id)
	}
}

func (h *Hub) targets(id liveness.SessionIdentity) []*hubPeer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*hubPeer
	for peerID, set := range h.peers {
		if id != "" && peerID != id {
			continue
		}
		for p := range set {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) deliver(env envelope.Envelope) {
	select {
	case h.inbox <- env:
	case <-h.done:
	default:
		log.Warn().Str("envelope", string(env.Type)).Msg("channel: hub inbox full, dropping")
		observability.RecordEnvelope("in", string(env.Type), false)
	}
}

func (p *hubPeer) readPump() {
	defer p.close()
	p.conn.SetReadLimit(envelope.MaxEnvelopeBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("identity", p.id.String()).Msg("channel: peer read ended")
			}
			return
		}
		env, err := envelope.Unmarshal(msg)
		if err != nil {
			log.Warn().Err(err).Str("identity", p.id.String()).Msg("channel: dropping malformed envelope")
			observability.RecordEnvelope("in", "invalid", false)
			continue
		}
		if env.SessionID == "" {
			env.SessionID = p.id
		}
		p.hub.deliver(env)
	}
}

func (p *hubPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer p.close()
	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (p *hubPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.hub.remove(p)
		_ = p.conn.Close()
		log.Info().Str("identity", p.id.String()).Msg("channel: peer disconnected")
	})
}
