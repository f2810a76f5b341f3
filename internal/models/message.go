package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one persisted turn entry inside a chat session.
type Message struct {
	ID          int64            `json:"id"`
	UserID      int64            `json:"userId"`
	SessionID   int64            `json:"sessionId"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	// Incomplete marks a length-truncated assistant message that may
	// receive exactly one continuation before the flag is cleared.
	Incomplete bool      `json:"incomplete,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AttachmentMeta is the slim attachment record stored alongside a message.
// Payloads are never persisted, only their descriptors.
type AttachmentMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}
