package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/danmuck/callkeep/internal/liveness"
)

var ErrHeartbeat = errors.New("remote: heartbeat failed")

// HeartbeatRequest is the POST /heartbeat body.
type HeartbeatRequest struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Connected bool      `json:"connected"`
}

// Notification is a server-pushed notice shown verbatim by the agent.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// HeartbeatResponse is the POST /heartbeat reply.
type HeartbeatResponse struct {
	Success         bool           `json:"success"`
	Timestamp       time.Time      `json:"timestamp"`
	UserID          string         `json:"userId"`
	Connected       bool           `json:"connected"`
	ShouldReconnect bool           `json:"shouldReconnect"`
	Notifications   []Notification `json:"notifications"`
	Error           string         `json:"error,omitempty"`
}

// HeartbeatClient posts liveness snapshots. It never retries.
type HeartbeatClient struct {
	endpoint *url.URL
	http     *http.Client
}

func NewHeartbeatClient(baseURL string, client *http.Client) (*HeartbeatClient, error) {
	endpoint, err := joinEndpoint(baseURL, "heartbeat")
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HeartbeatClient{endpoint: endpoint, http: client}, nil
}

// SendHeartbeat posts rec for id. Failures wrap ErrHeartbeat; a reply
// that decoded is returned with the error.
func (c *HeartbeatClient) SendHeartbeat(ctx context.Context, id liveness.SessionIdentity, rec liveness.Record, at time.Time) (HeartbeatResponse, error) {
	payload, err := json.Marshal(HeartbeatRequest{
		Timestamp: at.UTC(),
		UserID:    id.String(),
		Connected: rec.Connected,
	})
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("%w: %v", ErrHeartbeat, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("%w: %v", ErrHeartbeat, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("%w: %v", ErrHeartbeat, err)
	}
	defer resp.Body.Close()

	// Error replies may still carry the reconnect verdict.
	var out HeartbeatResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr != nil {
			out = HeartbeatResponse{}
		}
		return out, fmt.Errorf("%w: status=%d", ErrHeartbeat, resp.StatusCode)
	}
	if decodeErr != nil {
		return HeartbeatResponse{}, fmt.Errorf("%w: decode: %v", ErrHeartbeat, decodeErr)
	}
	if !out.Success {
		return out, fmt.Errorf("%w: server reported failure: %s", ErrHeartbeat, out.Error)
	}
	return out, nil
}
