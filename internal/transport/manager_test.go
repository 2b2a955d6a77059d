package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matfraga/pigeon/internal/bus"
	"github.com/matfraga/pigeon/internal/config"
	"github.com/matfraga/pigeon/internal/endpoint"
	"github.com/matfraga/pigeon/internal/store"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// wsServer is a minimal backend: health endpoint for the resolver plus a /ws
// endpoint that confirms the handshake and records client envelopes.
type wsServer struct {
	srv      *httptest.Server
	dials    atomic.Int32
	refuseWS atomic.Bool
	received chan Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{received: make(chan Envelope, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/ws":
			if s.refuseWS.Load() {
				http.Error(w, "unavailable", http.StatusNotFound)
				return
			}
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			s.dials.Add(1)
			auth, _ := json.Marshal(Envelope{
				Type:    TypeAuthenticated,
				Payload: json.RawMessage(`{"userId":"u1","username":"ana"}`),
			})
			if err := c.Write(r.Context(), websocket.MessageText, auth); err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			for {
				_, data, err := c.Read(r.Context())
				if err != nil {
					return
				}
				var env Envelope
				if json.Unmarshal(data, &env) == nil {
					select {
					case s.received <- env:
					default:
					}
				}
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// push writes an envelope to every live connection.
func (s *wsServer) push(t *testing.T, kind string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env, _ := json.Marshal(Envelope{Type: kind, Payload: data})
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Write(context.Background(), websocket.MessageText, env)
	}
}

// dropAll severs every live connection from the server side.
func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close(websocket.StatusGoingAway, "drop")
	}
	s.conns = nil
}

func testManager(t *testing.T, s *wsServer) (*Manager, *bus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.ReconnectBaseDelayMs = 10
	cfg.ReconnectMaxDelayMs = 50
	cfg.ReconnectMaxAttempts = 3

	b := bus.New()
	resolver := endpoint.NewResolver(db, []string{s.srv.URL}, time.Second, zap.NewNop())
	m := NewManager(resolver, b, cfg, zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, b
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	s := newWSServer(t)
	m, b := testManager(t, s)

	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected", m.State())
	}
	if id := m.Identity(); id == nil || id.UserID != "u1" {
		t.Errorf("identity = %+v", id)
	}
	waitEvent(t, ch, bus.KindConnUp)
}

func TestConnectIdempotentSameCredential(t *testing.T) {
	s := newWSServer(t)
	m, _ := testManager(t, s)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if got := s.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (idempotent)", got)
	}
}

func TestCredentialChangeReplacesConnection(t *testing.T) {
	s := newWSServer(t)
	m, _ := testManager(t, s)

	if err := m.Connect(context.Background(), "tok1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "tok2"); err != nil {
		t.Fatal(err)
	}
	if got := s.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2 (connection recreated)", got)
	}
}

func TestPublishBeforeConnectFailsFast(t *testing.T) {
	s := newWSServer(t)
	m, _ := testManager(t, s)

	err := m.Publish(context.Background(), TypeJoin, JoinPayload{ConversationID: "c1"})
	if err != ErrNotConnected {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestJoinConversationReachesServer(t *testing.T) {
	s := newWSServer(t)
	m, _ := testManager(t, s)

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if err := m.JoinConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-s.received:
		if env.Type != TypeJoin {
			t.Errorf("server got %q, want %q", env.Type, TypeJoin)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for join envelope")
	}
}

func TestInboundMessageDispatched(t *testing.T) {
	s := newWSServer(t)
	m, b := testManager(t, s)

	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	s.push(t, TypeMessage, MessagePayload{
		ID: "s1", ConversationID: "c1", SenderID: "u2", Content: "hello", Kind: "text", CreatedAt: 1000,
	})

	evt := waitEvent(t, ch, bus.KindInboundMessage)
	msg, ok := evt.Payload.(*MessagePayload)
	if !ok {
		t.Fatalf("payload type = %T", evt.Payload)
	}
	if msg.ID != "s1" || msg.Content != "hello" {
		t.Errorf("message = %+v", msg)
	}
}

func TestPresenceSnapshotCached(t *testing.T) {
	s := newWSServer(t)
	m, b := testManager(t, s)

	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	s.push(t, TypePresence, PresencePayload{Online: []string{"u2", "u3"}})
	waitEvent(t, ch, bus.KindPresence)

	if !m.IsOnline("u2") || m.IsOnline("u9") {
		t.Errorf("online set = %v", m.OnlinePeers())
	}

	// A later snapshot fully replaces the previous one.
	s.push(t, TypePresence, PresencePayload{Online: []string{"u3"}})
	waitEvent(t, ch, bus.KindPresence)
	if m.IsOnline("u2") {
		t.Error("u2 should have left the snapshot")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	s := newWSServer(t)
	m, b := testManager(t, s)

	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, bus.KindConnUp)

	s.dropAll()
	waitEvent(t, ch, bus.KindConnDown)
	waitEvent(t, ch, bus.KindConnUp)

	if m.State() != StateConnected {
		t.Errorf("state after reconnect = %s", m.State())
	}
	if got := s.dials.Load(); got < 2 {
		t.Errorf("dials = %d, want >= 2", got)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	s := newWSServer(t)
	m, b := testManager(t, s)

	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, bus.KindConnUp)

	// Refuse all further upgrades, then sever the connection.
	s.refuseWS.Store(true)
	s.dropAll()

	waitEvent(t, ch, bus.KindConnDown)
	waitEvent(t, ch, bus.KindConnFailed)

	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}

	// Explicit retry resets the budget and re-resolves.
	s.refuseWS.Store(false)
	if err := m.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("state after retry = %s", m.State())
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	s := newWSServer(t)
	m, b := testManager(t, s)

	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, bus.KindConnUp)

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}

	// No reconnect should follow an intentional disconnect.
	select {
	case evt := <-ch:
		if evt.Kind == bus.KindConnUp {
			t.Error("unexpected reconnect after Disconnect")
		}
	case <-time.After(200 * time.Millisecond):
	}
}
