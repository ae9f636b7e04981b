package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOrigins(t *testing.T) {
	testlog.Start(t)
	got := NormalizeOrigins([]string{" https://a.example/ ", "", "https://a.example", "http://b"})
	require.Equal(t, []string{"https://a.example", "http://b"}, got)
	require.Equal(t, []string{"*"}, NormalizeOrigins(nil))
}

func TestProbes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := NewRouter("agent", nil)
	var notReady error
	RegisterProbes(r, "agent", time.Now(), func() error { return notReady })

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	notReady = errors.New("store closed")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["ready"])
	require.Equal(t, "store closed", body["error"])
}
