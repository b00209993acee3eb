package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

// pollLoop is the degraded-mode delivery path. It activates once the live
// channel has been non-active for longer than DegradedAfter, pulls the same
// class of events over request/response, and feeds them through the same
// normalization path, so the UI contract is identical either way. Dedupe in
// ingest suppresses events the live channel already delivered.
func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.isStopped() {
			return
		}
		if !c.degraded() {
			continue
		}
		if err := c.pollOnce(ctx); err != nil {
			c.logger.Debug("Poll failed", slog.Any("error", err))
		}
	}
}

func (c *Client) degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return false
	}
	return time.Since(c.lastLive) > c.opts.DegradedAfter
}

func (c *Client) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.PollURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var body struct {
		Notifications []wire.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode poll response: %w", err)
	}

	inserted := 0
	for _, n := range body.Notifications {
		if c.ingest(n) {
			inserted++
		}
	}
	if inserted > 0 {
		c.logger.Debug("Poll delivered events", slog.Int("count", inserted))
	}
	return nil
}
