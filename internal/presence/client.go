// Package presence mirrors voice-channel membership and transmission flags
// into the persisted-state REST endpoints. Every call is best-effort: the
// real-time event stream stays the source of truth, failures are logged
// and never block the mesh.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/callsheet/voicemesh/internal/config"
	"github.com/callsheet/voicemesh/internal/domain"
	"github.com/callsheet/voicemesh/internal/metrics"
)

type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(cfg config.PresenceConfig, token string) *Client {
	return &Client{
		base:  cfg.BaseURL,
		token: token,
		http:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Join registers channel membership.
func (c *Client) Join(ctx context.Context, channel domain.ChannelID) {
	c.post(ctx, fmt.Sprintf("%s/voice/channels/%s/join", c.base, channel), nil)
}

// Leave deregisters channel membership.
func (c *Client) Leave(ctx context.Context, channel domain.ChannelID) {
	c.post(ctx, fmt.Sprintf("%s/voice/channels/%s/leave", c.base, channel), nil)
}

// SetTransmitting persists the local transmission flag so participant-list
// UIs relying on polled state stay consistent with the event stream.
func (c *Client) SetTransmitting(ctx context.Context, channel domain.ChannelID, transmitting bool) {
	body := map[string]bool{"is_transmitting": transmitting}
	c.post(ctx, fmt.Sprintf("%s/voice/channels/%s/ptt", c.base, channel), body)
}

func (c *Client) post(ctx context.Context, url string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("encode body")
			return
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		log.Error().Err(err).Str("module", "presence").Msg("build request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.PresenceErrors.Inc()
		log.Warn().Err(err).Str("module", "presence").Str("url", url).Msg("persistence call failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.PresenceErrors.Inc()
		log.Warn().Int("status", resp.StatusCode).Str("module", "presence").Str("url", url).Msg("persistence call rejected")
	}
}
