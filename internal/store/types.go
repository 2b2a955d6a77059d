package store

// Message is a chat message as tracked by the client. ID is the
// server-assigned identifier; ProvisionalID is the client-generated
// placeholder used between optimistic insertion and server confirmation.
type Message struct {
	ID             string
	ProvisionalID  string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Kind           string // text, image, file, ...
	CreatedAt      int64  // unix ms
	AttachmentRef  string
	ReplyToID      string
	Reactions      map[string]string // userID -> emoji
	Unsent         bool
}

// Conversation is a roster entry.
type Conversation struct {
	ID           string
	IsGroup      bool
	Participants []string
	LastMessage  *Message
	UnreadCount  int
	UpdatedAt    int64 // unix ms, monotonically non-decreasing
}

// Profile is the cached identity of the logged-in user.
type Profile struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}
