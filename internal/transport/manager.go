// Package transport owns the single long-lived, authenticated, bidirectional
// connection shared by the whole session. Everything else in the process
// talks to it through the bus, never by touching the connection directly.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matfraga/pigeon/internal/bus"
	"github.com/matfraga/pigeon/internal/config"
	"github.com/matfraga/pigeon/internal/endpoint"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Publish before the connection is up.
// Retryable: callers decide whether to fall back to the REST path.
var ErrNotConnected = errors.New("transport not connected")

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

const handshakeTimeout = 10 * time.Second

// Manager maintains the websocket connection with automatic reconnection,
// publishes inbound envelopes on the bus, and caches the advisory
// online-peer set from presence snapshots.
type Manager struct {
	resolver *endpoint.Resolver
	bus      *bus.Bus
	logger   *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	credential       string
	identity         *AuthenticatedPayload
	intentionalClose bool
	cancel           context.CancelFunc
	recon            *reconnector

	presenceMu sync.RWMutex
	online     map[string]struct{}
}

// NewManager creates a transport manager. It does not connect.
func NewManager(resolver *endpoint.Resolver, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		bus:      b,
		logger:   logger,
		state:    StateDisconnected,
		recon:    newReconnector(cfg.ReconnectBaseDelay(), cfg.ReconnectMaxDelay(), cfg.ReconnectMaxAttempts),
		online:   make(map[string]struct{}),
	}
}

// Connect establishes the connection with the given credential. Idempotent
// while already connected with the same credential; a different credential
// tears the connection down and creates a new one.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.state == StateConnected && m.credential == credential {
		m.mu.Unlock()
		return nil
	}
	if m.conn != nil {
		// Credential changed: the connection is recreated, never reused.
		m.teardownLocked("credential changed")
	}
	m.credential = credential
	m.intentionalClose = false
	m.recon.reset()
	m.mu.Unlock()

	return m.establish(ctx)
}

// Retry is the explicit caller-initiated retry after reconnect attempts are
// exhausted. It resets the attempt budget and re-runs endpoint resolution.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	m.recon.reset()
	m.intentionalClose = false
	credential := m.credential
	m.mu.Unlock()
	if credential == "" {
		return errors.New("no credential: connect first")
	}
	return m.establish(ctx)
}

// establish resolves an endpoint and performs the dial + auth handshake.
func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	credential := m.credential
	m.mu.Unlock()

	addr, err := m.resolver.Resolve(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	conn, identity, err := dial(ctx, addr, credential)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.identity = identity
	m.cancel = cancel
	m.recon.markConnected()
	m.mu.Unlock()

	m.logger.Info("transport connected", zap.String("address", addr), zap.String("user", identity.UserID))
	m.bus.Publish(bus.Event{Kind: bus.KindConnUp, Timestamp: time.Now(), Payload: identity})

	go m.readLoop(connCtx, conn)
	return nil
}

func dial(ctx context.Context, addr, credential string) (*websocket.Conn, *AuthenticatedPayload, error) {
	wsURL := strings.Replace(addr, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + credential}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The first envelope must confirm the handshake.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("read handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeAuthenticated {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("expected %q envelope, got %q", TypeAuthenticated, env.Type)
	}
	var identity AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &identity); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("decode identity: %w", err)
	}
	return conn, &identity, nil
}

// Disconnect closes the connection and abandons any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentionalClose = true
	m.teardownLocked("client disconnect")
	m.mu.Unlock()

	m.presenceMu.Lock()
	m.online = make(map[string]struct{})
	m.presenceMu.Unlock()
}

// teardownLocked closes the current connection. Caller holds m.mu.
func (m *Manager) teardownLocked(reason string) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(websocket.StatusNormalClosure, reason)
		m.conn = nil
	}
	m.state = StateDisconnected
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Identity returns the identity confirmed at handshake, or nil.
func (m *Manager) Identity() *AuthenticatedPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Publish sends an envelope to the server. Fails fast with ErrNotConnected
// before the connection is up; nothing is queued silently.
func (m *Manager) Publish(ctx context.Context, kind string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	env, err := newEnvelope(kind, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// JoinConversation emits the room-join control message.
func (m *Manager) JoinConversation(ctx context.Context, conversationID string) error {
	return m.Publish(ctx, TypeJoin, JoinPayload{ConversationID: conversationID})
}

// SendReadReceipt acknowledges a message as read.
func (m *Manager) SendReadReceipt(ctx context.Context, receipt ReceiptPayload) error {
	return m.Publish(ctx, TypeReceipt, receipt)
}

// OnlinePeers returns the advisory set of currently-online peer ids.
func (m *Manager) OnlinePeers() []string {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	peers := make([]string, 0, len(m.online))
	for id := range m.online {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// IsOnline reports whether a peer appeared in the latest presence snapshot.
func (m *Manager) IsOnline(userID string) bool {
	m.presenceMu.RLock()
	defer m.presenceMu.RUnlock()
	_, ok := m.online[userID]
	return ok
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleReadError(ctx)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("malformed envelope", zap.Error(err))
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env Envelope) {
	now := time.Now()
	switch env.Type {
	case TypeMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.logger.Warn("malformed message payload", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: bus.KindInboundMessage, Timestamp: now, Payload: &p})
	case TypeReaction:
		var p ReactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.bus.Publish(bus.Event{Kind: bus.KindReaction, Timestamp: now, Payload: &p})
	case TypeUnsend:
		var p UnsendPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.bus.Publish(bus.Event{Kind: bus.KindUnsend, Timestamp: now, Payload: &p})
	case TypePresence:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.presenceMu.Lock()
		m.online = make(map[string]struct{}, len(p.Online))
		for _, id := range p.Online {
			m.online[id] = struct{}{}
		}
		m.presenceMu.Unlock()
		m.bus.Publish(bus.Event{Kind: bus.KindPresence, Timestamp: now, Payload: &p})
	case TypeReceipt:
		var p ReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		m.bus.Publish(bus.Event{Kind: bus.KindReadReceipt, Timestamp: now, Payload: &p})
	default:
		m.logger.Debug("unhandled envelope type", zap.String("type", env.Type))
	}
}

// handleReadError runs the bounded reconnect policy after a transport-level
// failure. When the budget is exhausted the manager stays Disconnected until
// an explicit Retry.
func (m *Manager) handleReadError(ctx context.Context) {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Warn("transport disconnected")
	m.bus.Publish(bus.Event{Kind: bus.KindConnDown, Timestamp: time.Now()})

	for {
		m.mu.Lock()
		if m.intentionalClose {
			m.mu.Unlock()
			return
		}
		if !m.recon.shouldReconnect() {
			m.mu.Unlock()
			m.logger.Error("reconnect attempts exhausted")
			m.bus.Publish(bus.Event{Kind: bus.KindConnFailed, Timestamp: time.Now()})
			return
		}
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.mu.Unlock()

		m.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		err := m.establish(context.Background())
		if err == nil {
			return
		}
		m.logger.Warn("reconnect failed", zap.Error(err))
	}
}
