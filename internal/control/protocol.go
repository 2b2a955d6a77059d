// Package control defines the ctl <-> daemon protocol: newline-delimited JSON
// envelopes over the session's unix socket, one request and one response per
// line.
package control

import "encoding/json"

// Commands accepted by the daemon.
const (
	CmdStatus = "status"
	CmdLogin  = "login"
	CmdRetry  = "retry"
	CmdRoster = "roster"
	CmdSend   = "send"
	CmdLog    = "log"
	CmdOpen   = "open"
	CmdLogout = "logout"
)

// Request is one control command with its command-specific arguments.
type Request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the daemon's reply. Data holds the command-specific result when
// OK is true.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LoginArgs carries the session credential.
type LoginArgs struct {
	Token string `json:"token"`
}

// ConversationArgs addresses a single conversation.
type ConversationArgs struct {
	ConversationID string `json:"conversationId"`
}

// SendArgs carries an outgoing message.
type SendArgs struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// StatusInfo is the control-plane view of a session daemon.
type StatusInfo struct {
	Session     string   `json:"session"`
	State       string   `json:"state"`
	Endpoint    string   `json:"endpoint,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	Username    string   `json:"username,omitempty"`
	OnlinePeers []string `json:"onlinePeers,omitempty"`
}

// NewRequest marshals args into a request envelope.
func NewRequest(command string, args any) (*Request, error) {
	req := &Request{Command: command}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req.Args = data
	}
	return req, nil
}

// OKResponse marshals data into a success envelope.
func OKResponse(data any) *Response {
	resp := &Response{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return &Response{Error: err.Error()}
		}
		resp.Data = raw
	}
	return resp
}

// ErrResponse wraps an error into a failure envelope.
func ErrResponse(err error) *Response {
	return &Response{Error: err.Error()}
}
