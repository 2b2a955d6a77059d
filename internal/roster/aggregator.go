// Package roster maintains the ordered conversation list: every entry carries
// its latest message, an unread counter and a monotonic update stamp.
package roster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matfraga/pigeon/internal/bus"
	"github.com/matfraga/pigeon/internal/reconcile"
	"github.com/matfraga/pigeon/internal/store"
	"github.com/matfraga/pigeon/internal/transport"
	"go.uber.org/zap"
)

// Aggregator folds message and read-receipt events into roster entries and
// writes the result through to the durable store.
type Aggregator struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu          sync.Mutex
	localUserID string
	entries     map[string]*store.Conversation
	// pendingSends snapshots the roster state displaced by an optimistic
	// message, keyed by provisional id, so a failed submission restores it.
	pendingSends map[string]sendSnapshot
}

type sendSnapshot struct {
	lastMessage *store.Message
	updatedAt   int64
}

// NewAggregator creates a roster aggregator.
func NewAggregator(db *store.DB, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		db:           db,
		bus:          b,
		logger:       logger,
		entries:      make(map[string]*store.Conversation),
		pendingSends: make(map[string]sendSnapshot),
	}
}

// SetLocalUser records the identity confirmed at transport handshake.
func (a *Aggregator) SetLocalUser(userID string) {
	a.mu.Lock()
	a.localUserID = userID
	a.mu.Unlock()
}

// Hydrate warms the roster from the durable store after a restart.
func (a *Aggregator) Hydrate() error {
	convs, err := a.db.ListConversations(500, 0)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range convs {
		c := convs[i]
		a.entries[c.ID] = &c
	}
	return nil
}

// Seed merges a full roster fetched from the backend. Entries with an older
// update stamp than what is already held are skipped.
func (a *Aggregator) Seed(convs []*store.Conversation) {
	a.mu.Lock()
	for _, c := range convs {
		existing, ok := a.entries[c.ID]
		if ok && c.UpdatedAt <= existing.UpdatedAt {
			continue
		}
		copied := *c
		a.entries[c.ID] = &copied
		a.persist(&copied)
	}
	a.mu.Unlock()
	a.publishRoster()
}

// Start subscribes to reconciliation outputs and inbound read receipts.
// Handlers run on a single goroutine in arrival order.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := a.bus.Subscribe("message.", 256)
	receiptCh, unsubReceipt := a.bus.Subscribe(bus.KindReadReceipt, 64)

	go func() {
		defer unsubMsg()
		defer unsubReceipt()
		for {
			select {
			case evt := <-msgCh:
				a.handleMessageEvent(evt)
			case evt := <-receiptCh:
				p, ok := evt.Payload.(*transport.ReceiptPayload)
				if ok {
					a.ApplyReadReceipt(p)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reset drops all in-memory entries and the bound identity. Called on logout;
// persisted history is untouched.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.entries = make(map[string]*store.Conversation)
	a.pendingSends = make(map[string]sendSnapshot)
	a.localUserID = ""
	a.mu.Unlock()
}

// Stop stops the aggregator.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// List returns a snapshot of the roster ordered by update stamp descending.
func (a *Aggregator) List() []*store.Conversation {
	a.mu.Lock()
	out := make([]*store.Conversation, 0, len(a.entries))
	for _, c := range a.entries {
		copied := *c
		out = append(out, &copied)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// Unread returns the unread counter for a conversation, 0 if unknown.
func (a *Aggregator) Unread(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.entries[conversationID]; ok {
		return c.UnreadCount
	}
	return 0
}

func (a *Aggregator) handleMessageEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		p, ok := evt.Payload.(reconcile.Upserted)
		if ok {
			a.Upsert(p)
		}
	case bus.KindMessageMutated:
		msg, ok := evt.Payload.(*store.Message)
		if ok {
			a.applyMutation(msg)
		}
	case bus.KindMessageSendFailed:
		f, ok := evt.Payload.(reconcile.SendFailure)
		if ok {
			a.rollbackSend(f)
		}
	}
}

// Upsert folds one message into its roster entry. Out-of-order messages whose
// createdAt is not strictly newer than the current last message are a no-op,
// so repeated delivery of the same event cannot re-order the roster or double
// the unread counter.
func (a *Aggregator) Upsert(u reconcile.Upserted) {
	msg := u.Message

	a.mu.Lock()
	entry, ok := a.entries[msg.ConversationID]
	if !ok {
		if len(u.Participants) == 0 {
			a.mu.Unlock()
			// No metadata to synthesize from; the next full roster
			// refresh will materialize this conversation.
			a.logger.Debug("dropping message for unknown conversation",
				zap.String("conversation_id", msg.ConversationID))
			return
		}
		entry = &store.Conversation{
			ID:           msg.ConversationID,
			IsGroup:      u.IsGroup,
			Participants: u.Participants,
		}
		a.entries[msg.ConversationID] = entry
	}

	if entry.LastMessage != nil && msg.CreatedAt <= entry.LastMessage.CreatedAt {
		// Swap of an already-counted optimistic entry: refresh the
		// identifier and preview without touching the unread counter.
		if msg.ID != "" && sameMessage(entry.LastMessage, msg) {
			entry.LastMessage = msg
			delete(a.pendingSends, msg.ProvisionalID)
			a.persist(entry)
			a.mu.Unlock()
			a.publishRoster()
			return
		}
		if msg.ID != "" && msg.ProvisionalID != "" {
			delete(a.pendingSends, msg.ProvisionalID)
		}
		a.mu.Unlock()
		return
	}

	if msg.ProvisionalID != "" {
		if msg.ID == "" {
			// Optimistic insert: remember what it displaces until the
			// submission confirms or fails.
			a.pendingSends[msg.ProvisionalID] = sendSnapshot{
				lastMessage: entry.LastMessage,
				updatedAt:   entry.UpdatedAt,
			}
		} else {
			delete(a.pendingSends, msg.ProvisionalID)
		}
	}

	entry.LastMessage = msg
	if entry.UpdatedAt < msg.CreatedAt {
		entry.UpdatedAt = msg.CreatedAt
	}
	if a.localUserID == "" || msg.SenderID != a.localUserID {
		entry.UnreadCount++
	}
	a.persist(entry)
	a.mu.Unlock()
	a.publishRoster()
}

// sameMessage reports whether candidate is the confirmed form of the entry's
// current last message.
func sameMessage(last, candidate *store.Message) bool {
	if last.ID != "" && last.ID == candidate.ID {
		return true
	}
	if candidate.ProvisionalID == "" {
		return false
	}
	return last.ID == candidate.ProvisionalID || last.ProvisionalID == candidate.ProvisionalID
}

// rollbackSend restores the roster state an optimistic message displaced,
// after its submission failed. Only applies while that message is still the
// conversation's last message; anything newer already superseded it.
func (a *Aggregator) rollbackSend(f reconcile.SendFailure) {
	a.mu.Lock()
	snap, ok := a.pendingSends[f.ProvisionalID]
	delete(a.pendingSends, f.ProvisionalID)
	entry, held := a.entries[f.ConversationID]
	if !ok || !held || entry.LastMessage == nil ||
		entry.LastMessage.ID != "" || entry.LastMessage.ProvisionalID != f.ProvisionalID {
		a.mu.Unlock()
		return
	}
	entry.LastMessage = snap.lastMessage
	entry.UpdatedAt = snap.updatedAt
	a.persist(entry)
	a.mu.Unlock()
	a.publishRoster()
}

// applyMutation refreshes the preview when a reaction or unsend touched the
// conversation's current last message.
func (a *Aggregator) applyMutation(msg *store.Message) {
	a.mu.Lock()
	entry, ok := a.entries[msg.ConversationID]
	if !ok || entry.LastMessage == nil || entry.LastMessage.ID != msg.ID {
		a.mu.Unlock()
		return
	}
	entry.LastMessage = msg
	a.persist(entry)
	a.mu.Unlock()
	a.publishRoster()
}

// ApplyReadReceipt resets the unread counter. Only a receipt from the local
// user targeting the conversation's current last message counts; receipts for
// superseded messages are ignored.
func (a *Aggregator) ApplyReadReceipt(p *transport.ReceiptPayload) {
	a.mu.Lock()
	if a.localUserID != "" && p.UserID != a.localUserID {
		a.mu.Unlock()
		return
	}
	entry, ok := a.entries[p.ConversationID]
	if !ok || entry.LastMessage == nil || entry.LastMessage.ID != p.MessageID {
		a.mu.Unlock()
		return
	}
	if entry.UnreadCount == 0 {
		a.mu.Unlock()
		return
	}
	entry.UnreadCount = 0
	a.persist(entry)
	a.mu.Unlock()
	a.publishRoster()
}

// MarkRead clears the unread counter locally, used when the user opens a
// conversation on this device.
func (a *Aggregator) MarkRead(conversationID string) {
	a.mu.Lock()
	entry, ok := a.entries[conversationID]
	if !ok || entry.UnreadCount == 0 {
		a.mu.Unlock()
		return
	}
	entry.UnreadCount = 0
	a.persist(entry)
	a.mu.Unlock()
	a.publishRoster()
}

// persist writes an entry through to the store. Caller holds a.mu.
func (a *Aggregator) persist(entry *store.Conversation) {
	if err := a.db.UpsertConversation(entry); err != nil {
		a.logger.Warn("persist roster entry", zap.Error(err))
	}
}

func (a *Aggregator) publishRoster() {
	a.bus.Publish(bus.Event{
		Kind:      bus.KindRosterUpdated,
		Timestamp: time.Now(),
		Payload:   a.List(),
	})
}
