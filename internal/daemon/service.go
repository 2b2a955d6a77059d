package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/matfraga/pigeon/internal/bus"
	"github.com/matfraga/pigeon/internal/control"
	"github.com/matfraga/pigeon/internal/dedup"
	"github.com/matfraga/pigeon/internal/endpoint"
	"github.com/matfraga/pigeon/internal/reconcile"
	"github.com/matfraga/pigeon/internal/roster"
	"github.com/matfraga/pigeon/internal/status"
	"github.com/matfraga/pigeon/internal/store"
	"github.com/matfraga/pigeon/internal/transport"
	"go.uber.org/zap"
)

// Service exposes the daemon's operations to the control plane.
type Service struct {
	sessionName string
	db          *store.DB
	bus         *bus.Bus
	machine     *status.Machine
	manager     *transport.Manager
	gateway     *Gateway
	engine      *reconcile.Engine
	roster      *roster.Aggregator
	cache       *dedup.Cache
	logger      *zap.Logger
}

// NewService wires the daemon's components behind the control surface.
func NewService(p Params, db *store.DB, b *bus.Bus, machine *status.Machine, manager *transport.Manager, gateway *Gateway, engine *reconcile.Engine, agg *roster.Aggregator, cache *dedup.Cache, logger *zap.Logger) *Service {
	return &Service{
		sessionName: p.SessionName,
		db:          db,
		bus:         b,
		machine:     machine,
		manager:     manager,
		gateway:     gateway,
		engine:      engine,
		roster:      agg,
		cache:       cache,
		logger:      logger,
	}
}

// Status reports session name, runtime state, bound endpoint and identity.
func (s *Service) Status(context.Context) (*control.StatusInfo, error) {
	info := &control.StatusInfo{
		Session: s.sessionName,
		State:   string(s.machine.Current()),
	}
	if ep, err := s.db.GetKV(store.KeyEndpoint); err == nil {
		info.Endpoint = ep
	}
	if id := s.manager.Identity(); id != nil {
		info.UserID = id.UserID
		info.Username = id.Username
	} else if p, err := s.db.GetProfile(); err == nil && p != nil {
		info.UserID = p.UserID
		info.Username = p.Username
	}
	info.OnlinePeers = s.manager.OnlinePeers()
	return info, nil
}

// Login stores the credential and brings the session online.
func (s *Service) Login(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("empty credential")
	}
	if err := s.db.SetKV(store.KeyCredential, token); err != nil {
		return err
	}
	return s.connect(ctx, token)
}

// Retry restarts endpoint resolution and reconnection after the automatic
// budget was exhausted. User-initiated only.
func (s *Service) Retry(ctx context.Context) error {
	token, err := s.db.GetKV(store.KeyCredential)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("not logged in")
	}
	return s.connect(ctx, token)
}

// Roster returns the aggregated conversation list, most recent first.
func (s *Service) Roster(context.Context) ([]*store.Conversation, error) {
	return s.roster.List(), nil
}

// Send submits a message through the reconciliation engine.
func (s *Service) Send(ctx context.Context, conversationID, content string) (*store.Message, error) {
	if conversationID == "" || content == "" {
		return nil, fmt.Errorf("conversation and content required")
	}
	return s.engine.Send(ctx, conversationID, content, reconcile.SendOptions{})
}

// Log returns the in-memory message log of a conversation, newest first.
func (s *Service) Log(_ context.Context, conversationID string) ([]*store.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation required")
	}
	return s.engine.Log(conversationID), nil
}

// Open marks a conversation as being viewed: joins its room on the transport,
// clears the unread counter and acknowledges the latest message with a read
// receipt. Transport errors are non-fatal; the local state still updates.
func (s *Service) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation required")
	}
	if err := s.manager.JoinConversation(ctx, conversationID); err != nil {
		s.logger.Debug("join skipped", zap.Error(err))
	}

	var lastID string
	for _, c := range s.roster.List() {
		if c.ID == conversationID && c.LastMessage != nil {
			lastID = c.LastMessage.ID
			break
		}
	}
	s.roster.MarkRead(conversationID)

	if lastID == "" {
		return nil
	}
	receipt := transport.ReceiptPayload{ConversationID: conversationID, MessageID: lastID}
	if id := s.manager.Identity(); id != nil {
		receipt.UserID = id.UserID
	}
	if err := s.manager.SendReadReceipt(ctx, receipt); err != nil {
		s.logger.Debug("read receipt skipped", zap.Error(err))
	}
	return nil
}

// Logout tears the connection down and clears the stored credential and
// identity. The last known-good endpoint and local history survive.
func (s *Service) Logout(context.Context) error {
	s.manager.Disconnect()
	s.cache.Reset()
	s.roster.Reset()
	if err := s.db.ClearSession(); err != nil {
		return err
	}
	_ = s.machine.Transition(status.AuthRequired)
	s.logger.Info("session logged out")
	return nil
}

// connect drives resolution plus the websocket dial and, on success, binds the
// confirmed identity into the engine and roster.
func (s *Service) connect(ctx context.Context, token string) error {
	_ = s.machine.Transition(status.Resolving)
	s.gateway.Invalidate()
	if err := s.manager.Connect(ctx, token); err != nil {
		s.toFailureState(err)
		return err
	}
	s.bindIdentity(ctx)
	return nil
}

func (s *Service) toFailureState(err error) {
	if errors.Is(err, endpoint.ErrNoEndpoint) {
		_ = s.machine.Transition(status.Offline)
		return
	}
	_ = s.machine.Transition(status.Error)
}

// bindIdentity propagates the handshake identity and seeds the roster from
// the backend so synthesized entries are rare.
func (s *Service) bindIdentity(ctx context.Context) {
	id := s.manager.Identity()
	if id == nil {
		return
	}
	s.engine.SetLocalUser(id.UserID)
	s.roster.SetLocalUser(id.UserID)
	if err := s.db.SetProfile(&store.Profile{UserID: id.UserID, Username: id.Username, DisplayName: id.DisplayName}); err != nil {
		s.logger.Warn("persist profile", zap.Error(err))
	}

	convs, err := s.gateway.FetchRoster(ctx)
	if err != nil {
		s.logger.Warn("roster fetch failed", zap.Error(err))
		return
	}
	seed := make([]*store.Conversation, 0, len(convs))
	for i := range convs {
		seed = append(seed, &convs[i])
	}
	s.roster.Seed(seed)
	s.logger.Info("roster seeded", zap.Int("conversations", len(seed)))
}
