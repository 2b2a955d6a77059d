package transport

import (
	"encoding/json"

	"github.com/matfraga/pigeon/internal/store"
)

// Envelope is the wire format for everything on the persistent connection:
// a type discriminator plus a polymorphic JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Server-to-client envelope types.
const (
	TypeAuthenticated = "authenticated"
	TypeMessage       = "message.new"
	TypeReaction      = "message.reaction"
	TypeUnsend        = "message.unsend"
	TypePresence      = "presence.snapshot"
	TypeReceipt       = "receipt.read"
)

// Client-to-server envelope types.
const (
	TypeJoin      = "conversation.join"
	TypeBroadcast = "message.broadcast"
)

// MessagePayload carries an inbound or re-broadcast chat message.
type MessagePayload struct {
	ID             string            `json:"id"`
	ProvisionalID  string            `json:"provisionalId,omitempty"`
	ConversationID string            `json:"conversationId"`
	IsGroup        bool              `json:"isGroup,omitempty"`
	Participants   []string          `json:"participants,omitempty"`
	SenderID       string            `json:"senderId"`
	SenderName     string            `json:"senderName,omitempty"`
	Content        string            `json:"content"`
	Kind           string            `json:"kind"`
	CreatedAt      int64             `json:"createdAt"`
	AttachmentRef  string            `json:"attachmentRef,omitempty"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
}

// ToStoreMessage converts the wire payload to the domain message.
func (p *MessagePayload) ToStoreMessage() *store.Message {
	return &store.Message{
		ID:             p.ID,
		ProvisionalID:  p.ProvisionalID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Content:        p.Content,
		Kind:           p.Kind,
		CreatedAt:      p.CreatedAt,
		AttachmentRef:  p.AttachmentRef,
		ReplyToID:      p.ReplyToID,
		Reactions:      p.Reactions,
	}
}

// FromStoreMessage builds the wire payload for a re-broadcast, carrying the
// provisional identifier end-to-end so receivers can reconcile exactly.
func FromStoreMessage(m *store.Message, isGroup bool) *MessagePayload {
	return &MessagePayload{
		ID:             m.ID,
		ProvisionalID:  m.ProvisionalID,
		ConversationID: m.ConversationID,
		IsGroup:        isGroup,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Kind:           m.Kind,
		CreatedAt:      m.CreatedAt,
		AttachmentRef:  m.AttachmentRef,
		ReplyToID:      m.ReplyToID,
		Reactions:      m.Reactions,
	}
}

// ReactionPayload mutates an existing message's reaction map.
type ReactionPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"` // empty removes the reaction
}

// UnsendPayload marks an existing message as unsent.
type UnsendPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// PresencePayload is a full snapshot of currently-online peers. Advisory
// only: a peer may be reachable even if absent from the set.
type PresencePayload struct {
	Online []string `json:"online"`
}

// ReceiptPayload acknowledges a message as read.
type ReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

// AuthenticatedPayload is the handshake confirmation carrying identity.
type AuthenticatedPayload struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// JoinPayload is the room-join control message emitted by the client.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

func newEnvelope(kind string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: kind, Payload: data}, nil
}
