package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/audit"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/broadcast"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/metrics"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/registry"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/auth"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/config"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/room"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/transport"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

const testSecret = "test-secret"

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakePeer stands in for a transport connection. Close invokes the close
// hook the way the real transport invokes its OnCloseHandler.
type fakePeer struct {
	id uuid.UUID

	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	onClose func(connID uuid.UUID, err error)
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: uuid.New()}
}

func (p *fakePeer) ID() uuid.UUID { return p.id }

func (p *fakePeer) Send(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, msg)
}

func (p *fakePeer) Close(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hook := p.onClose
	p.mu.Unlock()
	if hook != nil {
		hook(p.id, err)
	}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// events returns the event names of every frame sent to the peer.
func (p *fakePeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.frames))
	for _, f := range p.frames {
		var env wire.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			names = append(names, env.Event)
		}
	}
	return names
}

func (p *fakePeer) lastPayload(t *testing.T, event string) json.RawMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.frames) - 1; i >= 0; i-- {
		var env wire.Envelope
		if err := json.Unmarshal(p.frames[i], &env); err == nil && env.Event == event {
			return env.Payload
		}
	}
	t.Fatalf("Peer never received event %q (got %v)", event, p.events())
	return nil
}

type capturedPublish struct {
	RoomID string
	Event  string
}

type fakePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
}

func (f *fakePublisher) Publish(roomID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, capturedPublish{RoomID: roomID, Event: event})
}

func (f *fakePublisher) byEvent(event string) []capturedPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedPublish
	for _, p := range f.published {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

type capturingRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *capturingRecorder) Record(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *capturingRecorder) byAction(action string) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func mintToken(t *testing.T, userID, name, role string, expiry time.Duration) string {
	t.Helper()
	claims := auth.Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return token
}

type fixture struct {
	gw  *Gateway
	reg *registry.Registry
	pub *fakePublisher
	rec *capturingRecorder
}

func newFixture(t *testing.T, limit config.ConnectionLimitConfig) *fixture {
	t.Helper()
	logger := newTestLogger()
	reg := registry.New(logger)
	pub := &fakePublisher{}
	rec := &capturingRecorder{}
	authn := auth.NewAuthenticator(logger, testSecret, auth.AllowAll())
	gw := New(logger, authn, reg, pub, rec, metrics.New(), Config{
		AuthGrace:       time.Millisecond,
		ConnectionLimit: limit,
	})
	gw.sleep = func(time.Duration) {}
	return &fixture{gw: gw, reg: reg, pub: pub, rec: rec}
}

// connect runs the full join flow for a fake peer; the join must succeed.
func (f *fixture) connect(t *testing.T, token string, attempt int) (*Session, *fakePeer) {
	t.Helper()
	peer := newFakePeer()
	sess := f.gw.NewSession(peer)
	peer.onClose = sess.HandleClose
	if err := sess.Join(context.Background(), token, attempt); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return sess, peer
}

// --- Authentication ---

func TestAuthFailureNeverRegisters(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	peer := newFakePeer()
	sess := f.gw.NewSession(peer)
	peer.onClose = sess.HandleClose

	if err := sess.Join(context.Background(), "", 0); err == nil {
		t.Fatal("Expected Join to fail without a token")
	}
	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", sess.State())
	}

	events := peer.events()
	if len(events) != 1 || events[0] != wire.EventAuthError {
		t.Errorf("Expected a single auth:error frame, got %v", events)
	}
	if got := f.reg.Stats().Connections; got != 0 {
		t.Errorf("Auth-failed connection appeared in registry: %d connections", got)
	}
	if entries := f.rec.byAction("auth_failure"); len(entries) != 1 || entries[0].Severity != audit.SeverityHigh {
		t.Errorf("Expected one high-severity auth_failure entry, got %+v", entries)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", -time.Minute)

	peer := newFakePeer()
	sess := f.gw.NewSession(peer)
	peer.onClose = sess.HandleClose
	if err := sess.Join(context.Background(), token, 0); err == nil {
		t.Fatal("Expected Join to fail with an expired token")
	}
	if got := f.reg.CountFor("user-1"); got != 0 {
		t.Errorf("Expected no registered connections, got %d", got)
	}
}

func TestCloseBeforeJoinCompletesRollsBackRegistration(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)

	peer := newFakePeer()
	sess := f.gw.NewSession(peer)
	peer.onClose = sess.HandleClose

	// Transport dies right after the upgrade, before the join flow runs.
	// The close handler fires exactly once, so a registration committed
	// afterwards would never be torn down.
	peer.Close(nil)

	if err := sess.Join(context.Background(), token, 0); err == nil {
		t.Fatal("Expected Join to fail on a closed transport")
	}
	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", sess.State())
	}
	if got := f.reg.CountFor("user-1"); got != 0 {
		t.Errorf("Dead connection leaked into registry: CountFor=%d", got)
	}
	if got := f.reg.RoomConnections(room.UserRoom("user-1")); got != nil {
		t.Errorf("Dead connection left in user room: %d members", len(got))
	}
	if got := f.reg.RoomConnections(room.RoleRoom("user")); got != nil {
		t.Errorf("Dead connection left in role room: %d members", len(got))
	}
}

// --- Join / acknowledgment ---

func TestJoinSendsSuccessWithConnectionCount(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)

	_, peer1 := f.connect(t, token, 0)
	_, peer2 := f.connect(t, token, 0)

	var ack wire.ConnectionSuccess
	if err := json.Unmarshal(peer2.lastPayload(t, wire.EventConnectionSuccess), &ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if ack.UserID != "user-1" || ack.UserName != "Asha" || ack.UserRole != "user" {
		t.Errorf("Unexpected identity in ack: %+v", ack)
	}
	if ack.ActiveConnections != 2 {
		t.Errorf("Expected 2 active connections in ack, got %d", ack.ActiveConnections)
	}
	if ack.ConnectionID != peer2.ID().String() {
		t.Errorf("Ack carries wrong connection id")
	}
	_ = peer1
}

func TestJoinPlacesConnectionInRooms(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "seller", time.Hour)
	_, peer := f.connect(t, token, 0)

	if got := f.reg.RoomConnections(room.UserRoom("user-1")); len(got) != 1 || got[0].ID != peer.ID() {
		t.Errorf("Connection missing from user room")
	}
	if got := f.reg.RoomConnections(room.RoleRoom("seller")); len(got) != 1 {
		t.Errorf("Connection missing from role room")
	}
}

func TestPresencePublishedForNonAdmin(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	f.connect(t, token, 0)

	published := f.pub.byEvent(wire.EventUserConnected)
	if len(published) != 1 {
		t.Fatalf("Expected one user:connected publish, got %d", len(published))
	}
	if published[0].RoomID != room.AdminRoom() {
		t.Errorf("Presence published to %q, want admin room", published[0].RoomID)
	}
}

func TestNoPresenceForAdmin(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "admin-1", "Root", room.RoleAdmin, time.Hour)
	f.connect(t, token, 0)

	if published := f.pub.byEvent(wire.EventUserConnected); len(published) != 0 {
		t.Errorf("Admin join must not publish presence, got %d events", len(published))
	}
}

func TestReconnectAcknowledged(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	sess, peer := f.connect(t, token, 3)

	if sess.State() != StateActive {
		t.Fatalf("Expected active state after reconnect join, got %s", sess.State())
	}
	var ack wire.Reconnected
	if err := json.Unmarshal(peer.lastPayload(t, wire.EventConnectionReconnected), &ack); err != nil {
		t.Fatalf("Failed to decode reconnect ack: %v", err)
	}
	if ack.AttemptNumber != 3 {
		t.Errorf("Expected attempt 3 in ack, got %d", ack.AttemptNumber)
	}
	if events := peer.events(); len(events) < 2 || events[0] != wire.EventConnectionReconnecting {
		t.Errorf("Expected connection:reconnecting before the ack, got %v", events)
	}
	if entries := f.rec.byAction("reconnect"); len(entries) != 1 {
		t.Errorf("Expected one reconnect audit entry, got %d", len(entries))
	}
}

// --- Liveness ---

func TestPingRepliesPong(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	sess, peer := f.connect(t, token, 0)

	sent := time.Now().Add(-20 * time.Millisecond).UnixMilli()
	frame, _ := wire.Marshal(wire.EventPing, wire.Ping{Timestamp: sent})
	sess.HandleMessage(context.Background(), peer.ID(), frame)

	var pong wire.Pong
	if err := json.Unmarshal(peer.lastPayload(t, wire.EventPong), &pong); err != nil {
		t.Fatalf("Failed to decode pong: %v", err)
	}
	if pong.LatencyMS < 20 {
		t.Errorf("Expected latency >= 20ms, got %d", pong.LatencyMS)
	}
}

// --- Disconnect / presence gating ---

func TestDisconnectPresenceOnlyWhenFullyOffline(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	_, peer1 := f.connect(t, token, 0)
	_, peer2 := f.connect(t, token, 0)

	peer1.Close(nil)
	if got := f.reg.CountFor("user-1"); got != 1 {
		t.Fatalf("Expected 1 remaining connection, got %d", got)
	}
	if published := f.pub.byEvent(wire.EventUserDisconnected); len(published) != 0 {
		t.Errorf("user:disconnected published while user still has a connection")
	}

	peer2.Close(nil)
	if got := f.reg.CountFor("user-1"); got != 0 {
		t.Fatalf("Expected 0 remaining connections, got %d", got)
	}
	if published := f.pub.byEvent(wire.EventUserDisconnected); len(published) != 1 {
		t.Errorf("Expected exactly one user:disconnected publish, got %d", len(published))
	}
	if entries := f.rec.byAction("disconnect"); len(entries) != 2 {
		t.Errorf("Expected a disconnect audit entry per connection, got %d", len(entries))
	}
}

func TestDisconnectLeavesRooms(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	_, peer := f.connect(t, token, 0)

	peer.Close(nil)
	if got := f.reg.RoomConnections(room.UserRoom("user-1")); got != nil {
		t.Errorf("User room should be empty after disconnect, got %d members", len(got))
	}
	if got := f.reg.RoomConnections(room.RoleRoom("user")); got != nil {
		t.Errorf("Role room should be empty after disconnect, got %d members", len(got))
	}
}

// --- Connection limit ---

func TestConnectionLimitReject(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "reject"})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	f.connect(t, token, 0)

	peer := newFakePeer()
	sess := f.gw.NewSession(peer)
	peer.onClose = sess.HandleClose
	if err := sess.Join(context.Background(), token, 0); err == nil {
		t.Fatal("Expected Join to fail at the connection limit")
	}

	var errPayload wire.ConnectionError
	if err := json.Unmarshal(peer.lastPayload(t, wire.EventConnectionError), &errPayload); err != nil {
		t.Fatalf("Failed to decode connection:error: %v", err)
	}
	if errPayload.Code != wire.CodeConnectionLimit {
		t.Errorf("Expected code %q, got %q", wire.CodeConnectionLimit, errPayload.Code)
	}
	if got := f.reg.CountFor("user-1"); got != 1 {
		t.Errorf("Expected count to stay at 1, got %d", got)
	}
}

func TestConnectionLimitCycleClosesOldest(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "cycle"})
	token := mintToken(t, "user-1", "Asha", "user", time.Hour)
	_, oldPeer := f.connect(t, token, 0)
	time.Sleep(5 * time.Millisecond)
	sess, _ := f.connect(t, token, 0)

	if sess.State() != StateActive {
		t.Fatalf("Expected new session active, got %s", sess.State())
	}
	if !oldPeer.isClosed() {
		t.Error("Expected oldest connection to be cycled out")
	}
	if got := f.reg.CountFor("user-1"); got != 1 {
		t.Errorf("Expected 1 connection after cycling, got %d", got)
	}
}

// --- Force disconnect scenario ---

func TestForceDisconnectScenario(t *testing.T) {
	f := newFixture(t, config.ConnectionLimitConfig{})
	logger := newTestLogger()
	svc := broadcast.New(logger, f.reg, f.rec, metrics.New())

	tokenA := mintToken(t, "user-a", "Asha", "user", time.Hour)
	tokenB := mintToken(t, "user-b", "Badri", "user", time.Hour)
	_, peerA1 := f.connect(t, tokenA, 0)
	_, peerA2 := f.connect(t, tokenA, 0)
	_, peerB := f.connect(t, tokenB, 0)

	closed := svc.DisconnectUser(context.Background(), "user-a", "policy violation")
	if closed != 2 {
		t.Fatalf("Expected 2 connections closed, got %d", closed)
	}

	for _, peer := range []*fakePeer{peerA1, peerA2} {
		var fd wire.ForceDisconnect
		if err := json.Unmarshal(peer.lastPayload(t, wire.EventForceDisconnect), &fd); err != nil {
			t.Fatalf("Failed to decode force_disconnect: %v", err)
		}
		if fd.Reason != "policy violation" {
			t.Errorf("Expected reason %q, got %q", "policy violation", fd.Reason)
		}
		if !peer.isClosed() {
			t.Error("Expected connection to be closed")
		}
	}

	if got := f.reg.CountFor("user-a"); got != 0 {
		t.Errorf("Expected zero registry entries for user-a, got %d", got)
	}
	if got := f.reg.CountFor("user-b"); got != 1 {
		t.Errorf("Expected user-b unaffected, got %d connections", got)
	}
	if peerB.isClosed() {
		t.Error("user-b's connection must not be closed")
	}
	if entries := f.rec.byAction("force_disconnect"); len(entries) != 1 {
		t.Errorf("Expected exactly one force_disconnect audit entry, got %d", len(entries))
	}
	if got := transport.DescribeClose(transport.ErrServerForced); got != "disconnected by server" {
		t.Errorf("Unexpected close description: %q", got)
	}
}
