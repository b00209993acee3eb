// Package broadcast is the server-side producer surface: domain events are
// published into rooms, administrative revocation closes every session of a
// user, and the registry snapshot feeds the admin dashboard.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/audit"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/metrics"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/registry"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/room"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/transport"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

type Service struct {
	logger  *slog.Logger
	reg     *registry.Registry
	rec     audit.Recorder
	metrics *metrics.Metrics
	history *History
}

func New(logger *slog.Logger, reg *registry.Registry, rec audit.Recorder, m *metrics.Metrics) *Service {
	return &Service{
		logger:  logger.With(slog.String("component", "broadcast")),
		reg:     reg,
		rec:     rec,
		metrics: m,
		history: NewHistory(50),
	}
}

// Publish fans an event out to every current member of a room. Delivery is
// at-most-once and best-effort: members that closed concurrently simply
// miss the event.
func (s *Service) Publish(roomID, event string, payload any) {
	frame, err := wire.Marshal(event, payload)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast",
			slog.String("event", event),
			slog.Any("error", err),
		)
		return
	}

	conns := s.reg.RoomConnections(roomID)
	for _, c := range conns {
		c.Transport.Send(frame)
	}
	s.metrics.PublishedEvents.WithLabelValues(event).Inc()
	s.logger.Debug("Published to room",
		slog.String("roomID", roomID),
		slog.String("event", event),
		slog.Int("members", len(conns)),
	)
}

// Notify assigns the event its identity (id + timestamp), records it in
// the user's recent history, and publishes it to the user's room. Producers
// of user-targeted notifications go through here so live and polled
// delivery agree on event ids.
func (s *Service) Notify(userID string, n wire.Notification) wire.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	s.history.Append(userID, n)
	s.Publish(room.UserRoom(userID), wire.EventNotification, n)
	return n
}

// Recent returns the user's recent-history buffer for the polling path.
func (s *Service) Recent(userID string) []wire.Notification {
	return s.history.Recent(userID)
}

// DisconnectUser closes every open connection of the target user with a
// stated reason. One high-severity audit entry is written for the action,
// not one per connection. Returns the number of connections closed.
func (s *Service) DisconnectUser(ctx context.Context, userID, reason string) int {
	conns := s.reg.ConnectionsOf(userID)
	if len(conns) == 0 {
		return 0
	}

	frame, err := wire.Marshal(wire.EventForceDisconnect, wire.ForceDisconnect{Reason: reason})
	if err != nil {
		s.logger.Error("Failed to marshal force_disconnect", slog.Any("error", err))
		return 0
	}
	for _, c := range conns {
		c.Transport.Send(frame)
		c.Transport.Close(transport.ErrServerForced)
	}
	s.history.Forget(userID)
	s.metrics.ForcedDisconnects.Inc()

	if s.rec != nil {
		entry := audit.Entry{
			UserID:    userID,
			Action:    "force_disconnect",
			Category:  audit.CategoryAdmin,
			Severity:  audit.SeverityHigh,
			Metadata:  map[string]any{"reason": reason, "connections": len(conns)},
			Timestamp: time.Now(),
		}
		if err := s.rec.Record(ctx, entry); err != nil {
			s.logger.Warn("Audit write failed", slog.String("action", entry.Action), slog.Any("error", err))
		}
	}

	s.logger.Info("Force-disconnected user",
		slog.String("userID", userID),
		slog.String("reason", reason),
		slog.Int("connections", len(conns)),
	)
	return len(conns)
}

// Stats passes the registry snapshot through for admin dashboards.
func (s *Service) Stats() registry.Stats {
	return s.reg.Stats()
}

// BroadcastStats pushes the current snapshot to the admin room. Driven by
// the periodic stats job.
func (s *Service) BroadcastStats() {
	s.Publish(room.AdminRoom(), wire.EventConnectionStats, s.Stats())
}
