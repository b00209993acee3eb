// Package registry holds the process-wide table of open connections: which
// user owns which connections, and which connections belong to which room.
// It is the only shared mutable state touched from multiple connection
// goroutines; every mutation goes through its locks. Its view is advisory
// (fan-out and admin visibility), never an authorization source.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is the send/close surface the registry needs from a transport
// connection. Satisfied by *transport.Connection and by test fakes.
type Peer interface {
	ID() uuid.UUID
	Send(msg []byte)
	Close(err error)
}

// Conn is the registry's record of a single transport-level session.
type Conn struct {
	ID        uuid.UUID
	UserID    string
	UserName  string
	UserRole  string
	CreatedAt time.Time
	Transport Peer
}

// UserStat describes one user with more than one open connection.
type UserStat struct {
	UserID      string `json:"userId"`
	Connections int    `json:"connections"`
}

// Stats is the admin/observability snapshot.
type Stats struct {
	Users           int        `json:"users"`
	Connections     int        `json:"connections"`
	AvgPerUser      float64    `json:"avgPerUser"`
	MultiDeviceList []UserStat `json:"multiDevice,omitempty"`
}

type Registry struct {
	conns map[uuid.UUID]*Conn
	users map[string]map[uuid.UUID]*Conn
	rooms map[string]map[uuid.UUID]*Conn

	connMu sync.RWMutex
	userMu sync.RWMutex
	roomMu sync.RWMutex

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		users:  make(map[string]map[uuid.UUID]*Conn),
		rooms:  make(map[string]map[uuid.UUID]*Conn),
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Add inserts the connection into the table and into its owner's session
// set, creating the set if absent. Duplicate connection ids are rejected;
// the transport must supply unique ids.
func (r *Registry) Add(c *Conn) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.userMu.Lock()
	defer r.userMu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return errors.New("connection is already registered")
	}
	r.conns[c.ID] = c

	set, ok := r.users[c.UserID]
	if !ok {
		set = make(map[uuid.UUID]*Conn)
		r.users[c.UserID] = set
	}
	set[c.ID] = c

	r.logger.Debug("Connection registered",
		slog.String("connID", c.ID.String()),
		slog.String("userID", c.UserID),
	)
	return nil
}

// Remove deletes the connection from the table and the user's session set,
// dropping the user entry entirely when the set becomes empty. It returns
// the remaining connection count for the user so callers can decide whether
// the user is fully offline. Removing an untracked connection is a no-op.
func (r *Registry) Remove(userID string, connID uuid.UUID) int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.userMu.Lock()
	defer r.userMu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		r.logger.Debug("Remove of untracked connection ignored",
			slog.String("connID", connID.String()),
			slog.String("userID", userID),
		)
		return len(r.users[userID])
	}
	delete(r.conns, connID)

	set, ok := r.users[userID]
	if !ok {
		return 0
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.users, userID)
		return 0
	}
	return len(set)
}

// Get returns the record for a connection id.
func (r *Registry) Get(connID uuid.UUID) (*Conn, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ConnectionsOf returns the user's current session set. No ordering
// guarantee.
func (r *Registry) ConnectionsOf(userID string) []*Conn {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	set, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// CountFor returns the number of open connections for a user.
func (r *Registry) CountFor(userID string) int {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	return len(r.users[userID])
}

// Oldest returns the user's longest-lived connection, used by the "cycle"
// connection-limit mode.
func (r *Registry) Oldest(userID string) (*Conn, bool) {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	var oldest *Conn
	for _, c := range r.users[userID] {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

// AllConnections snapshots every open connection, for the shutdown sweep.
func (r *Registry) AllConnections() []*Conn {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stats aggregates the admin snapshot. Safe to call concurrently with
// Add/Remove; the result may trail an in-flight mutation.
func (r *Registry) Stats() Stats {
	r.userMu.RLock()
	defer r.userMu.RUnlock()

	s := Stats{Users: len(r.users)}
	for userID, set := range r.users {
		s.Connections += len(set)
		if len(set) > 1 {
			s.MultiDeviceList = append(s.MultiDeviceList, UserStat{
				UserID:      userID,
				Connections: len(set),
			})
		}
	}
	if s.Users > 0 {
		s.AvgPerUser = float64(s.Connections) / float64(s.Users)
	}
	sort.Slice(s.MultiDeviceList, func(i, j int) bool {
		return s.MultiDeviceList[i].UserID < s.MultiDeviceList[j].UserID
	})
	return s
}

// --- Room membership ---

// JoinRoom adds the connection to a room, creating the room if it doesn't
// exist. Re-joining is a no-op, which keeps reconnect handling idempotent.
func (r *Registry) JoinRoom(roomID string, c *Conn) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]*Conn)
		r.rooms[roomID] = members
	}
	members[c.ID] = c
	r.logger.Debug("Connection joined room",
		slog.String("connID", c.ID.String()),
		slog.String("roomID", roomID),
	)
}

// LeaveRoom removes the connection from a room; empty rooms are deleted.
func (r *Registry) LeaveRoom(roomID string, connID uuid.UUID) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
}

// RoomConnections returns the current members of a room, or nil if the room
// does not exist.
func (r *Registry) RoomConnections(roomID string) []*Conn {
	r.roomMu.RLock()
	defer r.roomMu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(members))
	for _, c := range members {
		conns = append(conns, c)
	}
	return conns
}
