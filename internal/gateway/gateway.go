// Package gateway drives the per-connection state machine: authentication
// at connect time, registry and room membership, ping/pong liveness, and
// the audit trail for every transition.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/audit"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/metrics"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/registry"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/auth"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/config"
)

// Publisher fans an event out to every member of a room. Implemented by the
// broadcast service.
type Publisher interface {
	Publish(roomID, event string, payload any)
}

type Config struct {
	// AuthGrace delays the forced close after an auth:error frame so the
	// frame can reach the client.
	AuthGrace       time.Duration
	ConnectionLimit config.ConnectionLimitConfig
}

type Gateway struct {
	logger  *slog.Logger
	authn   *auth.Authenticator
	reg     *registry.Registry
	pub     Publisher
	rec     audit.Recorder
	metrics *metrics.Metrics
	cfg     Config

	// sleep is swapped out in tests so the auth grace does not slow them.
	sleep func(time.Duration)
}

func New(logger *slog.Logger, authn *auth.Authenticator, reg *registry.Registry, pub Publisher, rec audit.Recorder, m *metrics.Metrics, cfg Config) *Gateway {
	return &Gateway{
		logger:  logger.With(slog.String("component", "gateway")),
		authn:   authn,
		reg:     reg,
		pub:     pub,
		rec:     rec,
		metrics: m,
		cfg:     cfg,
		sleep:   time.Sleep,
	}
}

// audit writes an entry, swallowing sink failures. A failed audit write
// must never fail the connection transition that produced it.
func (g *Gateway) audit(ctx context.Context, e audit.Entry) {
	if g.rec == nil {
		return
	}
	e.Timestamp = time.Now()
	if err := g.rec.Record(ctx, e); err != nil {
		g.logger.Warn("Audit write failed",
			slog.String("action", e.Action),
			slog.Any("error", err),
		)
	}
}

// authErrorMessage maps an authentication failure to the client-facing
// message and a metadata reason. Internal detail stays server-side.
func authErrorMessage(err error) (message, reason string) {
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "Authentication required", "no_token"
	case errors.Is(err, auth.ErrTokenExpired):
		return "Session expired", "token_expired"
	case errors.Is(err, auth.ErrUserNotFound):
		return "Authentication failed", "user_not_found"
	case errors.Is(err, auth.ErrAccountInactive):
		return "Account is not active", "account_inactive"
	default:
		return "Authentication failed", "token_invalid"
	}
}
