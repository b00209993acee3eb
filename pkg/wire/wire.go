// Package wire defines the event envelope and payload shapes exchanged
// between the gateway and its clients. Both the server and the client
// delivery layer marshal through this package so the contract cannot drift.
package wire

import (
	"encoding/json"
	"fmt"
)

// Server -> client lifecycle events.
const (
	EventConnectionSuccess      = "connection:success"
	EventConnectionError        = "connection:error"
	EventConnectionReconnecting = "connection:reconnecting"
	EventConnectionReconnected  = "connection:reconnected"
	EventConnectionStats        = "connection:stats"
	EventAuthError              = "auth:error"
	EventForceDisconnect        = "force_disconnect"
	EventUserConnected          = "user:connected"
	EventUserDisconnected       = "user:disconnected"
	EventNotification           = "notification"
	EventPing                   = "ping"
	EventPong                   = "pong"
)

// Error codes carried in ConnectionError / AuthError payloads. Internal
// error detail never crosses the wire; clients only see these codes and
// the server-approved message.
const (
	CodeAuthFailed      = "auth_failed"
	CodeTransportError  = "transport_error"
	CodeConnectionLimit = "connection_limit"
)

// Envelope is the frame every event travels in.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal wraps a payload in an envelope and encodes the whole frame.
func Marshal(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// ConnectionSuccess acknowledges a completed join.
type ConnectionSuccess struct {
	ConnectionID      string `json:"connectionId"`
	UserID            string `json:"userId"`
	UserName          string `json:"userName"`
	UserRole          string `json:"userRole"`
	ActiveConnections int    `json:"activeConnections"`
}

// ConnectionError is the peer-facing notice for a transport fault.
type ConnectionError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// AuthError is sent before the forced close on an authentication failure.
type AuthError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ForceDisconnect carries the administrative revocation reason.
type ForceDisconnect struct {
	Reason string `json:"reason"`
}

// Presence is published to the admin room on user connect/disconnect.
type Presence struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
	SocketID string `json:"socketId"`
}

// Reconnected acknowledges a successful transport-level reconnect.
type Reconnected struct {
	AttemptNumber int `json:"attemptNumber,omitempty"`
}

// Notification is the generic domain event delivered to user rooms. ID and
// Timestamp are assigned server-side when the event enters the recent
// history, so polling and live delivery agree on identity.
type Notification struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Ping and Pong carry the client-supplied millisecond timestamp; the pong
// adds the server-computed round trip.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
	LatencyMS int64 `json:"latencyMs"`
}
