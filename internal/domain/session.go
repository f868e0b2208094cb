package domain

import (
	"time"
)

// Session mirrors one agent-side conversation. At most one record exists per
// (sandbox id, agent session id) pair; the id is the agent's own session id.
type Session struct {
	ID                    string    `json:"id"`
	SandboxID             string    `json:"sandbox_id"`
	OwnerID               string    `json:"owner_id"`
	Title                 string    `json:"title"`
	UserMessageCount      int       `json:"user_message_count"`
	AssistantMessageCount int       `json:"assistant_message_count"`
	LastSyncedAt          time.Time `json:"last_synced_at"`
	Archived              bool      `json:"archived"`
}

// Role identifies the author of a mirrored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks whether a mirrored message is still streaming.
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
)

// MessagePart is one ordered content fragment of a message.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message mirrors one agent-side message. ExternalID is the idempotency key:
// applying the same incoming event twice updates the row, never duplicates it.
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	ExternalID  string        `json:"external_id"`
	Role        Role          `json:"role"`
	Parts       []MessagePart `json:"parts"`
	Status      MessageStatus `json:"status"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// MergeTextPart replaces the text of the first part with the given type, or
// appends a new part if none exists. A message never holds two parts of the
// same streaming-text type.
func (m *Message) MergeTextPart(partType, text string) {
	for i := range m.Parts {
		if m.Parts[i].Type == partType {
			m.Parts[i].Text = text
			return
		}
	}
	m.Parts = append(m.Parts, MessagePart{Type: partType, Text: text})
}
