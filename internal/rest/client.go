// Package rest is the client for the backend's request/response API. The
// delivery core only needs two calls from it: message submission and the
// fallback roster fetch.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matfraga/pigeon/internal/store"
	"go.uber.org/zap"
)

// ErrSubmissionFailed is returned when every submission target was exhausted.
// One logical failure regardless of how many shapes were tried.
var ErrSubmissionFailed = errors.New("message submission failed")

// submissionPaths is the ordered, bounded list of endpoint shapes tried for
// one logical send. Deployed backends disagree on the path; first success wins.
var submissionPaths = []string{
	"/api/v1/messages",
	"/api/messages",
}

// Client talks JSON over HTTP with bearer-token authorization.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New creates a REST client for the resolved base address.
func New(base, token string, logger *zap.Logger) *Client {
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// SendRequest is the message submission payload.
type SendRequest struct {
	ConversationTarget string `json:"conversationTarget"`
	Content            string `json:"content"`
	Kind               string `json:"kind"`
	ProvisionalID      string `json:"provisionalId,omitempty"`
	ReplyToID          string `json:"replyToId,omitempty"`
	AttachmentRef      string `json:"attachmentRef,omitempty"`
}

// wireMessage is the confirmed message object as the server returns it.
type wireMessage struct {
	ID             string            `json:"id"`
	ProvisionalID  string            `json:"provisionalId,omitempty"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	SenderName     string            `json:"senderName,omitempty"`
	Content        string            `json:"content"`
	Kind           string            `json:"kind"`
	CreatedAt      int64             `json:"createdAt"`
	AttachmentRef  string            `json:"attachmentRef,omitempty"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	Unsent         bool              `json:"unsent,omitempty"`
}

func (w *wireMessage) toStore() *store.Message {
	return &store.Message{
		ID:             w.ID,
		ProvisionalID:  w.ProvisionalID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Content:        w.Content,
		Kind:           w.Kind,
		CreatedAt:      w.CreatedAt,
		AttachmentRef:  w.AttachmentRef,
		ReplyToID:      w.ReplyToID,
		Reactions:      w.Reactions,
		Unsent:         w.Unsent,
	}
}

// SendMessage submits a message, trying each known endpoint shape in order
// and stopping at the first success. Returns the server-confirmed message.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*store.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, path := range submissionPaths {
		msg, err := c.postMessage(ctx, path, body)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		c.logger.Debug("submission target failed",
			zap.String("path", path), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, lastErr)
}

func (c *Client) postMessage(ctx context.Context, path string, body []byte) (*store.Message, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if wire.ID == "" {
		return nil, errors.New("response missing message id")
	}
	return wire.toStore(), nil
}

// FetchRoster is the periodic fallback fetch that materializes conversations
// the event stream could not synthesize locally.
func (c *Client) FetchRoster(ctx context.Context) ([]store.Conversation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch roster: status %d", resp.StatusCode)
	}

	var wire []struct {
		ID           string       `json:"id"`
		Kind         string       `json:"kind"` // direct | group
		Participants []string     `json:"participants"`
		UnreadCount  int          `json:"unreadCount"`
		UpdatedAt    int64        `json:"updatedAt"`
		LastMessage  *wireMessage `json:"lastMessage,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}

	convs := make([]store.Conversation, 0, len(wire))
	for _, w := range wire {
		c := store.Conversation{
			ID:           w.ID,
			IsGroup:      w.Kind == "group",
			Participants: w.Participants,
			UnreadCount:  w.UnreadCount,
			UpdatedAt:    w.UpdatedAt,
		}
		if w.LastMessage != nil {
			c.LastMessage = w.LastMessage.toStore()
		}
		convs = append(convs, c)
	}
	return convs, nil
}
