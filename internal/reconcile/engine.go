// Package reconcile manages the lifecycle of outgoing messages from
// optimistic local insertion through server confirmation or rollback, and
// merges transport-pushed messages into the per-conversation logs.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matfraga/pigeon/internal/bus"
	"github.com/matfraga/pigeon/internal/dedup"
	"github.com/matfraga/pigeon/internal/rest"
	"github.com/matfraga/pigeon/internal/store"
	"github.com/matfraga/pigeon/internal/transport"
	"go.uber.org/zap"
)

// mergeWindow bounds the timestamp distance for the heuristic merge of an
// inbound self-authored message with an outstanding optimistic entry. Used
// only when the backend strips the provisional identifier.
const mergeWindow = 10 * time.Second

// Submitter is the REST collaborator used to deliver outgoing messages.
type Submitter interface {
	SendMessage(ctx context.Context, req *rest.SendRequest) (*store.Message, error)
}

// Broadcaster re-emits confirmed messages over the persistent connection so
// other participants' sessions receive them without polling.
type Broadcaster interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// Upserted is the payload of message.upserted events. Conversation metadata
// rides along when the transport embedded it, so the roster can synthesize
// entries it has never seen.
type Upserted struct {
	Message      *store.Message
	IsGroup      bool
	Participants []string
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ConversationID string
	ProvisionalID  string
	Err            string
}

// Engine reconciles optimistic local state with server-confirmed state.
type Engine struct {
	db          *store.DB
	bus         *bus.Bus
	cache       *dedup.Cache
	submitter   Submitter
	broadcaster Broadcaster
	logger      *zap.Logger
	cancel      context.CancelFunc

	mu          sync.Mutex
	localUserID string
	logs        map[string]*messageLog
	// pending tracks outstanding optimistic entries: provisionalID -> conversationID.
	pending map[string]string
}

// NewEngine creates a reconciliation engine.
func NewEngine(db *store.DB, b *bus.Bus, cache *dedup.Cache, submitter Submitter, broadcaster Broadcaster, logger *zap.Logger) *Engine {
	return &Engine{
		db:          db,
		bus:         b,
		cache:       cache,
		submitter:   submitter,
		broadcaster: broadcaster,
		logger:      logger,
		logs:        make(map[string]*messageLog),
		pending:     make(map[string]string),
	}
}

// SetLocalUser records the identity confirmed at transport handshake. The
// heuristic merge and the roster's unread rule depend on it.
func (e *Engine) SetLocalUser(userID string) {
	e.mu.Lock()
	e.localUserID = userID
	e.mu.Unlock()
}

// Hydrate warms the in-memory logs from the durable store after a restart.
func (e *Engine) Hydrate() error {
	convs, err := e.db.ListConversations(200, 0)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range convs {
		msgs, err := e.db.ListMessages(c.ID, 0, 50)
		if err != nil {
			return fmt.Errorf("list messages %s: %w", c.ID, err)
		}
		log := &messageLog{}
		for i := range msgs {
			log.msgs = append(log.msgs, &msgs[i])
		}
		e.logs[c.ID] = log
	}
	return nil
}

// Start subscribes to inbound transport events on the bus. Handlers run on a
// single goroutine in arrival order.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Log returns a snapshot of a conversation's messages, newest first.
func (e *Engine) Log(conversationID string) []*store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	log, ok := e.logs[conversationID]
	if !ok {
		return nil
	}
	return log.snapshot()
}

// SendOptions carries the optional fields of an outgoing message.
type SendOptions struct {
	Kind          string
	ReplyToID     string
	AttachmentRef string
}

// Send runs the optimistic send state machine: provisional insert, REST
// submission over the strategy list, then confirmation swap or rollback.
// On success the confirmed message is re-broadcast over the transport.
func (e *Engine) Send(ctx context.Context, conversationID, content string, opts SendOptions) (*store.Message, error) {
	kind := opts.Kind
	if kind == "" {
		kind = "text"
	}

	provisionalID := "p-" + uuid.NewString()
	e.mu.Lock()
	optimistic := &store.Message{
		ProvisionalID:  provisionalID,
		ConversationID: conversationID,
		SenderID:       e.localUserID,
		Content:        content,
		Kind:           kind,
		CreatedAt:      time.Now().UnixMilli(),
		ReplyToID:      opts.ReplyToID,
		AttachmentRef:  opts.AttachmentRef,
	}
	e.logFor(conversationID).insertHead(optimistic)
	e.pending[provisionalID] = conversationID
	e.mu.Unlock()

	if err := e.db.UpsertMessage(optimistic); err != nil {
		e.logger.Warn("persist optimistic message", zap.Error(err))
	}
	e.publishUpserted(optimistic)

	confirmed, err := e.submitter.SendMessage(ctx, &rest.SendRequest{
		ConversationTarget: conversationID,
		Content:            content,
		Kind:               kind,
		ProvisionalID:      provisionalID,
		ReplyToID:          opts.ReplyToID,
		AttachmentRef:      opts.AttachmentRef,
	})
	if err != nil {
		e.rollback(conversationID, provisionalID, err)
		return nil, err
	}

	// Some backends strip the provisional id from the response; restore it
	// so the dedup cache covers both identifiers.
	if confirmed.ProvisionalID == "" {
		confirmed.ProvisionalID = provisionalID
	}

	e.mu.Lock()
	replaced := e.logFor(conversationID).replace(provisionalID, confirmed)
	delete(e.pending, provisionalID)
	// Marked under e.mu: once pending is cleared the dedup cache is the only
	// thing keeping a concurrent transport echo of this id out of the log.
	e.cache.MarkProcessed(confirmed.ID, provisionalID)
	e.mu.Unlock()

	if replaced {
		if err := e.db.ReplaceMessageID(conversationID, provisionalID, confirmed.ID); err != nil {
			e.logger.Warn("replace message id", zap.Error(err))
		}
		if err := e.db.UpsertMessage(confirmed); err != nil {
			e.logger.Warn("persist confirmed message", zap.Error(err))
		}
		e.publishUpserted(confirmed)
	}

	// Best effort: the message is already durable server-side; a closed
	// transport only delays delivery until the other sessions poll.
	isGroup := e.conversationIsGroup(conversationID)
	if err := e.broadcaster.Publish(ctx, transport.TypeBroadcast, transport.FromStoreMessage(confirmed, isGroup)); err != nil {
		e.logger.Debug("broadcast skipped", zap.Error(err))
	}

	e.logger.Info("message confirmed",
		zap.String("provisional_id", provisionalID),
		zap.String("server_id", confirmed.ID))
	return confirmed, nil
}

// rollback removes an optimistic entry after a failed submission. No failed
// placeholder is retained; the user must resubmit.
func (e *Engine) rollback(conversationID, provisionalID string, cause error) {
	e.mu.Lock()
	removed := e.logFor(conversationID).remove(provisionalID)
	delete(e.pending, provisionalID)
	e.mu.Unlock()

	if removed {
		if err := e.db.DeleteMessage(conversationID, provisionalID); err != nil {
			e.logger.Warn("delete optimistic message", zap.Error(err))
		}
	}
	e.logger.Warn("message submission failed",
		zap.String("provisional_id", provisionalID), zap.Error(cause))
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: SendFailure{
			ConversationID: conversationID,
			ProvisionalID:  provisionalID,
			Err:            cause.Error(),
		},
	})
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindInboundMessage:
		p, ok := evt.Payload.(*transport.MessagePayload)
		if !ok {
			return
		}
		e.ingest(p)
	case bus.KindReaction:
		p, ok := evt.Payload.(*transport.ReactionPayload)
		if !ok {
			return
		}
		e.applyReaction(p)
	case bus.KindUnsend:
		p, ok := evt.Payload.(*transport.UnsendPayload)
		if !ok {
			return
		}
		e.applyUnsend(p)
	}
}

// ingest merges one transport-pushed message into its conversation log.
// Safe to call repeatedly with the same event.
func (e *Engine) ingest(p *transport.MessagePayload) {
	msg := p.ToStoreMessage()
	e.mu.Lock()
	// Gate and mark under e.mu so the decision cannot go stale against a
	// concurrent confirmation swap in Send.
	if !e.cache.ShouldProcess(p.ID, p.ProvisionalID) {
		e.mu.Unlock()
		return
	}
	e.cache.MarkProcessed(p.ID, p.ProvisionalID)
	log := e.logFor(msg.ConversationID)

	switch {
	case p.ProvisionalID != "" && log.find(p.ProvisionalID) != nil:
		// Identifier-exact reconciliation: the provisional id round-tripped.
		log.replace(p.ProvisionalID, msg)
		delete(e.pending, p.ProvisionalID)
		_ = e.db.DeleteMessage(msg.ConversationID, p.ProvisionalID)
	case e.mergeWithOptimisticLocked(log, msg):
		// Heuristic merge consumed an outstanding optimistic twin.
	default:
		log.insertHead(msg)
	}
	e.mu.Unlock()

	if err := e.db.UpsertMessage(msg); err != nil {
		e.logger.Warn("persist inbound message", zap.Error(err))
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: Upserted{
			Message:      msg,
			IsGroup:      p.IsGroup,
			Participants: p.Participants,
		},
	})
}

// mergeWithOptimisticLocked drops an optimistic twin of a self-authored
// inbound message matched by conversation and near-identical timestamp.
// Caller holds e.mu.
func (e *Engine) mergeWithOptimisticLocked(log *messageLog, msg *store.Message) bool {
	if e.localUserID == "" || msg.SenderID != e.localUserID {
		return false
	}
	for provisionalID, convID := range e.pending {
		if convID != msg.ConversationID {
			continue
		}
		existing := log.find(provisionalID)
		if existing == nil {
			continue
		}
		delta := msg.CreatedAt - existing.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Millisecond <= mergeWindow {
			log.replace(provisionalID, msg)
			delete(e.pending, provisionalID)
			e.cache.MarkProcessed("", provisionalID)
			_ = e.db.DeleteMessage(msg.ConversationID, provisionalID)
			return true
		}
	}
	return false
}

// applyReaction mutates an existing message in place. Events referencing an
// unknown identifier are ignored, not buffered.
func (e *Engine) applyReaction(p *transport.ReactionPayload) {
	e.mu.Lock()
	log := e.logFor(p.ConversationID)
	msg := log.find(p.MessageID)
	if msg == nil {
		e.mu.Unlock()
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]string)
	}
	if p.Emoji == "" {
		delete(msg.Reactions, p.UserID)
	} else {
		msg.Reactions[p.UserID] = p.Emoji
	}
	copied := *msg
	e.mu.Unlock()

	if err := e.db.UpsertMessage(&copied); err != nil {
		e.logger.Warn("persist reaction", zap.Error(err))
	}
	e.bus.Publish(bus.Event{Kind: bus.KindMessageMutated, Timestamp: time.Now(), Payload: &copied})
}

// applyUnsend marks an existing message unsent. The entry is never removed
// from the log.
func (e *Engine) applyUnsend(p *transport.UnsendPayload) {
	e.mu.Lock()
	log := e.logFor(p.ConversationID)
	msg := log.find(p.MessageID)
	if msg == nil {
		e.mu.Unlock()
		return
	}
	msg.Unsent = true
	copied := *msg
	e.mu.Unlock()

	if err := e.db.UpsertMessage(&copied); err != nil {
		e.logger.Warn("persist unsend", zap.Error(err))
	}
	e.bus.Publish(bus.Event{Kind: bus.KindMessageMutated, Timestamp: time.Now(), Payload: &copied})
}

// logFor returns the conversation log, creating it if needed. Caller holds e.mu.
func (e *Engine) logFor(conversationID string) *messageLog {
	log, ok := e.logs[conversationID]
	if !ok {
		log = &messageLog{}
		e.logs[conversationID] = log
	}
	return log
}

func (e *Engine) publishUpserted(msg *store.Message) {
	isGroup := e.conversationIsGroup(msg.ConversationID)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload:   Upserted{Message: msg, IsGroup: isGroup},
	})
}

func (e *Engine) conversationIsGroup(conversationID string) bool {
	conv, err := e.db.GetConversation(conversationID)
	if err != nil || conv == nil {
		return false
	}
	return conv.IsGroup
}
