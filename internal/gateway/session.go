package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/audit"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/registry"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/auth"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/room"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/transport"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

// Both wrap the server-forced sentinel so close-cause mapping reports
// them as server-initiated, not as network faults.
var errAuthRejected = fmt.Errorf("%w: authentication rejected", transport.ErrServerForced)
var errLimitRejected = fmt.Errorf("%w: connection limit reached", transport.ErrServerForced)
var errClosedDuringJoin = errors.New("transport closed during join")

// Session is the gateway-side state machine for one connection. Its
// HandleMessage/HandleClose methods match the transport handler signatures.
type Session struct {
	g      *Gateway
	conn   registry.Peer
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	identity *auth.Identity
	// closed is set by HandleClose exactly once. Join re-checks it after
	// registering so a transport that died mid-join is rolled back instead
	// of leaking a registry entry.
	closed bool
}

// NewSession wraps a freshly accepted connection. The caller must hook
// HandleMessage/HandleClose into the transport before calling Join.
func (g *Gateway) NewSession(conn registry.Peer) *Session {
	return &Session{
		g:      g,
		conn:   conn,
		logger: g.logger.With(slog.String("connID", conn.ID().String())),
		state:  StateConnecting,
	}
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) State {
	s.mu.Lock()
	prev := s.state
	if s.closed {
		// Closed is terminal; a concurrent HandleClose wins.
		s.mu.Unlock()
		return prev
	}
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("Session transition",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
	return prev
}

// Join runs the connect flow: authenticate, enforce the per-user limit,
// register, join the user and role rooms, and acknowledge to the peer.
// reconnectAttempt > 0 marks a transport-level reconnect; the flow is the
// same but the acknowledgment differs.
func (s *Session) Join(ctx context.Context, token string, reconnectAttempt int) error {
	if reconnectAttempt > 0 {
		s.setState(StateReconnecting)
		// Status notice while the re-join runs; the session is not live
		// again until the reconnected ack.
		s.send(wire.EventConnectionReconnecting, wire.Reconnected{AttemptNumber: reconnectAttempt})
	}

	identity, err := s.g.authn.Verify(ctx, token)
	if err != nil {
		s.rejectAuth(ctx, err)
		return err
	}
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	s.setState(StateAuthenticated)

	if err := s.enforceLimit(ctx, identity); err != nil {
		return err
	}

	rc := &registry.Conn{
		ID:        s.conn.ID(),
		UserID:    identity.UserID,
		UserName:  identity.Name,
		UserRole:  identity.Role,
		CreatedAt: time.Now(),
		Transport: s.conn,
	}
	if err := s.g.reg.Add(rc); err != nil {
		s.logger.Error("Failed to register connection", slog.Any("error", err))
		s.send(wire.EventConnectionError, wire.ConnectionError{
			Message: "Connection could not be established",
			Code:    wire.CodeTransportError,
		})
		s.setState(StateClosed)
		s.conn.Close(err)
		return err
	}
	s.g.reg.JoinRoom(room.UserRoom(identity.UserID), rc)
	s.g.reg.JoinRoom(room.RoleRoom(identity.Role), rc)

	// Commit point. If the transport closed while the join was in flight,
	// HandleClose has already run for this connection and will never run
	// again, so the registration must be rolled back here.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.g.reg.LeaveRoom(room.UserRoom(identity.UserID), rc.ID)
		s.g.reg.LeaveRoom(room.RoleRoom(identity.Role), rc.ID)
		s.g.reg.Remove(identity.UserID, rc.ID)
		s.logger.Info("Transport closed during join; registration rolled back",
			slog.String("userID", identity.UserID),
		)
		return errClosedDuringJoin
	}
	s.state = StateJoined
	active := s.g.reg.CountFor(identity.UserID)
	s.g.metrics.ActiveConnections.Inc()
	if active == 1 {
		s.g.metrics.ConnectedUsers.Inc()
	}
	s.mu.Unlock()

	if reconnectAttempt > 0 {
		s.send(wire.EventConnectionReconnected, wire.Reconnected{AttemptNumber: reconnectAttempt})
		s.g.audit(ctx, audit.Entry{
			UserID:   identity.UserID,
			Action:   "reconnect",
			Category: audit.CategoryConnection,
			Severity: audit.SeverityLow,
			Metadata: map[string]any{"connID": s.conn.ID().String(), "attempt": reconnectAttempt},
		})
	} else {
		s.send(wire.EventConnectionSuccess, wire.ConnectionSuccess{
			ConnectionID:      s.conn.ID().String(),
			UserID:            identity.UserID,
			UserName:          identity.Name,
			UserRole:          identity.Role,
			ActiveConnections: active,
		})
		s.g.audit(ctx, audit.Entry{
			UserID:   identity.UserID,
			Action:   "connect",
			Category: audit.CategoryConnection,
			Severity: audit.SeverityLow,
			Metadata: map[string]any{"connID": s.conn.ID().String()},
		})
	}

	// Presence fan-out to the admin room. Admins watching their own
	// connects would only be noise, so they are excluded.
	if identity.Role != room.RoleAdmin {
		s.g.pub.Publish(room.AdminRoom(), wire.EventUserConnected, wire.Presence{
			UserID:   identity.UserID,
			UserName: identity.Name,
			UserRole: identity.Role,
			SocketID: s.conn.ID().String(),
		})
	}

	s.setState(StateActive)
	s.logger.Info("Session joined",
		slog.String("userID", identity.UserID),
		slog.String("role", identity.Role),
		slog.Int("activeConnections", active),
	)
	return nil
}

// rejectAuth notifies the peer, audits at high severity, and schedules the
// forced close after the grace period so the error frame can flush.
func (s *Session) rejectAuth(ctx context.Context, cause error) {
	s.g.metrics.AuthFailures.Inc()
	message, reason := authErrorMessage(cause)
	s.send(wire.EventAuthError, wire.AuthError{Message: message, Code: wire.CodeAuthFailed})
	s.g.audit(ctx, audit.Entry{
		Action:   "auth_failure",
		Category: audit.CategorySecurity,
		Severity: audit.SeverityHigh,
		Metadata: map[string]any{"connID": s.conn.ID().String(), "reason": reason},
	})
	s.setState(StateClosed)
	s.logger.Warn("Connection rejected at authentication", slog.String("reason", reason))
	go func() {
		s.g.sleep(s.g.cfg.AuthGrace)
		s.conn.Close(errAuthRejected)
	}()
}

func (s *Session) enforceLimit(ctx context.Context, identity *auth.Identity) error {
	limit := s.g.cfg.ConnectionLimit
	if limit.MaxPerUser <= 0 {
		return nil
	}
	count := s.g.reg.CountFor(identity.UserID)
	if count < limit.MaxPerUser {
		return nil
	}

	if limit.Mode == "cycle" {
		if oldest, ok := s.g.reg.Oldest(identity.UserID); ok {
			s.logger.Info("Cycling connection: closing oldest",
				slog.String("userID", identity.UserID),
				slog.String("connID", oldest.ID.String()),
			)
			oldest.Transport.Close(fmt.Errorf("%w: cycled by a new connection", transport.ErrServerForced))
		}
		return nil
	}

	s.logger.Warn("User connection limit reached",
		slog.String("userID", identity.UserID),
		slog.Int("count", count),
	)
	s.send(wire.EventConnectionError, wire.ConnectionError{
		Message: "Too many active connections",
		Code:    wire.CodeConnectionLimit,
	})
	s.g.audit(ctx, audit.Entry{
		UserID:   identity.UserID,
		Action:   "connection_limit",
		Category: audit.CategoryConnection,
		Severity: audit.SeverityMedium,
		Metadata: map[string]any{"connID": s.conn.ID().String(), "count": count},
	})
	s.setState(StateClosed)
	go func() {
		s.g.sleep(s.g.cfg.AuthGrace)
		s.conn.Close(errLimitRejected)
	}()
	return errLimitRejected
}

// HandleMessage processes one inbound frame. Only liveness probes are
// client-initiated; domain events travel server to client.
func (s *Session) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	if st := s.State(); st != StateJoined && st != StateActive {
		return
	}

	event := gjson.GetBytes(msg, "event").String()
	switch event {
	case wire.EventPing:
		sent := gjson.GetBytes(msg, "payload.timestamp").Int()
		now := time.Now().UnixMilli()
		latency := now - sent
		if sent == 0 || latency < 0 {
			latency = 0
		}
		s.send(wire.EventPong, wire.Pong{Timestamp: now, LatencyMS: latency})
	default:
		s.logger.Debug("Ignoring unexpected client event", slog.String("event", event))
	}
}

// HandleClose finalizes the session when the transport reports closure:
// registry teardown, presence fan-out when the user goes fully offline,
// and the audit entry for the transition.
func (s *Session) HandleClose(connID uuid.UUID, cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	prev := s.state
	s.state = StateClosed
	identity := s.identity
	s.mu.Unlock()

	if identity == nil {
		// Transport died before authentication finished. Join observes
		// the closed flag and never leaves a registration behind.
		return
	}

	ctx := context.Background()
	reason := transport.DescribeClose(cause)

	if isTransportError(cause) {
		// Best effort; the socket is usually already gone.
		s.send(wire.EventConnectionError, wire.ConnectionError{
			Message: "Connection error",
			Code:    wire.CodeTransportError,
		})
		s.g.audit(ctx, audit.Entry{
			UserID:   identity.UserID,
			Action:   "transport_error",
			Category: audit.CategoryConnection,
			Severity: audit.SeverityMedium,
			Metadata: map[string]any{"connID": connID.String()},
		})
	}

	if prev >= StateJoined && prev != StateClosed {
		s.g.reg.LeaveRoom(room.UserRoom(identity.UserID), connID)
		s.g.reg.LeaveRoom(room.RoleRoom(identity.Role), connID)
		remaining := s.g.reg.Remove(identity.UserID, connID)

		s.g.metrics.ActiveConnections.Dec()
		if remaining == 0 {
			s.g.metrics.ConnectedUsers.Dec()
			if identity.Role != room.RoleAdmin {
				s.g.pub.Publish(room.AdminRoom(), wire.EventUserDisconnected, wire.Presence{
					UserID:   identity.UserID,
					UserName: identity.Name,
					UserRole: identity.Role,
					SocketID: connID.String(),
				})
			}
		}
		s.logger.Info("Session closed",
			slog.String("userID", identity.UserID),
			slog.String("reason", reason),
			slog.Int("remaining", remaining),
		)
	}

	s.g.audit(ctx, audit.Entry{
		UserID:   identity.UserID,
		Action:   "disconnect",
		Category: audit.CategoryConnection,
		Severity: audit.SeverityLow,
		Metadata: map[string]any{
			"connID": connID.String(),
			"reason": reason,
			"from":   prev.String(),
		},
	})
}

func (s *Session) send(event string, payload any) {
	frame, err := wire.Marshal(event, payload)
	if err != nil {
		s.logger.Error("Failed to marshal frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	s.conn.Send(frame)
}

// isTransportError reports whether the close was caused by a mid-session
// I/O fault rather than an orderly close on either side.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	return transport.DescribeClose(err) == "network connection lost"
}
