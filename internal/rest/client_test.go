package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func confirmedBody(id, provisionalID string) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":             id,
		"provisionalId":  provisionalID,
		"conversationId": "c1",
		"senderId":       "u1",
		"content":        "hi",
		"kind":           "text",
		"createdAt":      1000,
	})
	return data
}

func TestSendMessageFirstShape(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write(confirmedBody("s1", "p1"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok123", zap.NewNop())
	msg, err := c.SendMessage(context.Background(), &SendRequest{
		ConversationTarget: "c1", Content: "hi", Kind: "text", ProvisionalID: "p1",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "s1" || msg.ProvisionalID != "p1" {
		t.Errorf("message = %+v", msg)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/v1/messages" {
		t.Errorf("path = %q, want first submission shape", gotPath)
	}
}

func TestSendMessageFallsBackToSecondShape(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/v1/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(confirmedBody("s1", ""))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	msg, err := c.SendMessage(context.Background(), &SendRequest{ConversationTarget: "c1", Content: "hi", Kind: "text"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "s1" {
		t.Errorf("id = %q", msg.ID)
	}
	if len(paths) != 2 {
		t.Errorf("tried paths %v, want both shapes", paths)
	}
}

func TestSendMessageAllShapesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	_, err := c.SendMessage(context.Background(), &SendRequest{ConversationTarget: "c1", Content: "hi", Kind: "text"})
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Errorf("error = %v, want ErrSubmissionFailed", err)
	}
}

func TestSendMessageMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"conversationId":"c1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	_, err := c.SendMessage(context.Background(), &SendRequest{ConversationTarget: "c1", Content: "hi", Kind: "text"})
	if err == nil {
		t.Error("SendMessage() should reject a response without id")
	}
}

func TestFetchRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[
			{"id":"c1","kind":"direct","participants":["u1","u2"],"unreadCount":1,"updatedAt":5000,
			 "lastMessage":{"id":"s1","conversationId":"c1","senderId":"u2","content":"yo","kind":"text","createdAt":5000}},
			{"id":"g1","kind":"group","participants":["u1","u2","u3"],"updatedAt":4000}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", zap.NewNop())
	convs, err := c.FetchRoster(context.Background())
	if err != nil {
		t.Fatalf("FetchRoster() error = %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].IsGroup || !convs[1].IsGroup {
		t.Errorf("kind mapping wrong: %+v", convs)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != "s1" {
		t.Errorf("lastMessage = %+v", convs[0].LastMessage)
	}
}
