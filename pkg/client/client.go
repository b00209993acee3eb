// Package client is the consumer side of the gateway: one managed
// connection with automatic reconnection and backoff, normalization of
// inbound events into the notification model, and a polling fallback when
// the live transport is degraded.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

type Options struct {
	// URL is the websocket endpoint; the token and reconnect attempt are
	// appended as query parameters at dial time.
	URL   string
	Token string
	// ClearToken is invoked on an authentication-class error so a known-bad
	// credential is never retried automatically.
	ClearToken func()

	// PollURL is the request/response fallback endpoint. Empty disables
	// the polling fallback.
	PollURL string
	// PollInterval is how often the fallback pulls once active.
	PollInterval time.Duration
	// DegradedAfter is how long the connection must be non-active before
	// the fallback activates.
	DegradedAfter time.Duration

	// MaxAttempts bounds consecutive failed reconnects before the client
	// reports failure and stops retrying. Zero means retry forever.
	MaxAttempts int
	// InitialBackoff seeds the exponential reconnect curve.
	InitialBackoff time.Duration
	// PingInterval is the liveness probe cadence on an active connection.
	PingInterval time.Duration

	Dialer     Dialer
	HTTPClient *http.Client
	Cue        Cue
	Logger     *slog.Logger

	// OnStateChange observes isConnected / connectionError updates.
	OnStateChange func(connected bool, connectionError string)
	// OnNotification observes each newly ingested notification.
	OnNotification func(Notification)
}

type Client struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	connected     bool
	connErr       string
	sessionJoined bool
	lastLive      time.Time
	stopped       bool
	notifs        []historyEntry
	seen          map[string]struct{}
	localSeq      int64
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = wsDialer{}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "realtime_client")),
		seen:   make(map[string]struct{}),
	}
}

// Run maintains the managed connection until the context is cancelled, the
// reconnect budget is exhausted, or the server revokes the session.
// Cancelling the context is the deterministic teardown path and releases
// every resource the client holds.
func (c *Client) Run(ctx context.Context) {
	// Seed the liveness clock so the degraded threshold is measured from
	// startup, not from the zero time.
	c.touchLive()

	if c.opts.PollURL != "" {
		go c.pollLoop(ctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 500 * time.Millisecond
	}
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	for {
		if ctx.Err() != nil || c.isStopped() {
			return
		}

		frames, err := c.opts.Dialer.Dial(ctx, c.dialURL(attempt))
		if err != nil {
			c.setConnected(false, "connection failed")
			attempt++
			if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
				c.logger.Warn("Reconnect budget exhausted", slog.Int("attempts", attempt))
				c.setConnected(false, "reconnect failed")
				return
			}
			if !c.wait(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.sessionJoined = false
		c.mu.Unlock()

		c.readLoop(ctx, frames)
		if ctx.Err() != nil || c.isStopped() {
			return
		}

		// A session that joined successfully earns a fresh backoff curve.
		c.mu.Lock()
		joined := c.sessionJoined
		c.mu.Unlock()
		if joined {
			bo.Reset()
			attempt = 0
		}

		c.setConnected(false, "connection lost")
		attempt++
		if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
			c.logger.Warn("Reconnect budget exhausted", slog.Int("attempts", attempt))
			c.setConnected(false, "reconnect failed")
			return
		}
		if !c.wait(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (c *Client) dialURL(attempt int) string {
	u := c.opts.URL
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep + "token=" + url.QueryEscape(c.opts.Token)
	if attempt > 0 {
		u += fmt.Sprintf("&reconnect=%d", attempt)
	}
	return u
}

func (c *Client) readLoop(ctx context.Context, frames Frames) {
	defer frames.Close("client closing")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, frames)

	for {
		msg, err := frames.Read(ctx)
		if err != nil {
			return
		}
		if c.dispatch(ctx, frames, msg) {
			return
		}
	}
}

// dispatch handles one inbound frame. Returns true when the connection
// must be severed and not re-established.
func (c *Client) dispatch(_ context.Context, frames Frames, msg []byte) (sever bool) {
	event := gjson.GetBytes(msg, "event").String()

	switch {
	case event == wire.EventConnectionSuccess, event == wire.EventConnectionReconnected:
		c.setConnected(true, "")

	case event == wire.EventConnectionReconnecting:
		// Status only; the session is not live until the reconnected ack.

	case event == wire.EventAuthError:
		// Fail fast: a known-bad credential is never retried.
		message := gjson.GetBytes(msg, "payload.message").String()
		c.logger.Warn("Authentication rejected by server", slog.String("message", message))
		if c.opts.ClearToken != nil {
			c.opts.ClearToken()
		}
		c.setStopped()
		c.setConnected(false, message)
		frames.Close("authentication failed")
		return true

	case event == wire.EventForceDisconnect:
		// Sever the transport rather than letting reconnection logic
		// fight the server.
		reason := gjson.GetBytes(msg, "payload.reason").String()
		c.logger.Info("Session revoked by server", slog.String("reason", reason))
		c.setStopped()
		c.setConnected(false, reason)
		frames.Close("revoked")
		return true

	case event == wire.EventConnectionError:
		// Only the server-approved message is surfaced.
		c.setConnected(false, gjson.GetBytes(msg, "payload.message").String())

	case event == wire.EventPong:
		c.touchLive()

	case event == wire.EventNotification || strings.HasPrefix(event, "moderation:"):
		var n wire.Notification
		if err := json.Unmarshal([]byte(gjson.GetBytes(msg, "payload").Raw), &n); err != nil {
			c.logger.Warn("Malformed notification payload", slog.Any("error", err))
			return false
		}
		if n.Type == "" {
			n.Type = event
		}
		c.touchLive()
		c.ingest(n)

	default:
		c.logger.Debug("Ignoring event", slog.String("event", event))
	}
	return false
}

func (c *Client) pingLoop(ctx context.Context, frames Frames) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := wire.Marshal(wire.EventPing, wire.Ping{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := frames.Write(ctx, frame); err != nil {
				return
			}
		}
	}
}

// IsConnected reports the live-channel state surfaced to the UI.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionError is the last surfaced, server-approved error message.
func (c *Client) ConnectionError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

func (c *Client) setConnected(connected bool, connErr string) {
	c.mu.Lock()
	changed := c.connected != connected || c.connErr != connErr
	c.connected = connected
	c.connErr = connErr
	if connected {
		c.sessionJoined = true
		c.lastLive = time.Now()
	}
	handler := c.opts.OnStateChange
	c.mu.Unlock()

	if changed && handler != nil {
		handler(connected, connErr)
	}
}

func (c *Client) touchLive() {
	c.mu.Lock()
	c.lastLive = time.Now()
	c.mu.Unlock()
}

func (c *Client) setStopped() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// nextLocalID assigns the monotonic UI-facing id. Caller holds mu.
func (c *Client) nextLocalID() int64 {
	c.localSeq++
	return c.localSeq
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
