package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsheet/voicemesh/internal/config"
)

type recordedRequest struct {
	path   string
	auth   string
	body   map[string]bool
	hasCT  bool
	ctType string
}

func newRecordingServer(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			ctType: r.Header.Get("Content-Type"),
		}
		if r.ContentLength > 0 {
			rec.hasCT = true
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec.body))
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedRequest, len(reqs))
		copy(out, reqs)
		return out
	}
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(config.PresenceConfig{BaseURL: srv.URL, Timeout: time.Second}, "secret-token")
}

func TestJoinAndLeaveHitChannelEndpoints(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusNoContent)
	c := newTestClient(srv)

	c.Join(context.Background(), "ops")
	c.Leave(context.Background(), "ops")

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/voice/channels/ops/join", reqs[0].path)
	assert.Equal(t, "/voice/channels/ops/leave", reqs[1].path)
	for _, r := range reqs {
		assert.Equal(t, "Bearer secret-token", r.auth)
	}
}

func TestSetTransmittingSendsFlag(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK)
	c := newTestClient(srv)

	c.SetTransmitting(context.Background(), "ops", true)
	c.SetTransmitting(context.Background(), "ops", false)

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/voice/channels/ops/ptt", reqs[0].path)
	assert.Equal(t, "application/json", reqs[0].ctType)
	assert.Equal(t, map[string]bool{"is_transmitting": true}, reqs[0].body)
	assert.Equal(t, map[string]bool{"is_transmitting": false}, reqs[1].body)
}

func TestServerRejectionDoesNotPanic(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusForbidden)
	c := newTestClient(srv)

	c.Join(context.Background(), "ops")
	assert.Len(t, requests(), 1)
}

func TestUnreachableServerDoesNotPanic(t *testing.T) {
	c := NewClient(config.PresenceConfig{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 100 * time.Millisecond,
	}, "secret-token")

	c.Join(context.Background(), "ops")
	c.Leave(context.Background(), "ops")
	c.SetTransmitting(context.Background(), "ops", true)
}
