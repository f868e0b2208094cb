package agentclient

import (
	"encoding/json"
	"fmt"
)

// Event is one entry of the agent's push event feed. The concrete types below
// form a closed set; the sync engine dispatches on them with a type switch.
type Event interface {
	eventType() string
}

// SessionInfo is the agent's view of a conversation.
type SessionInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Archived bool   `json:"archived,omitempty"`
}

// MessageTime carries agent-side message timestamps in unix milliseconds.
// A non-zero Completed marks the message as finished.
type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageInfo is the agent's view of a message, without its parts.
type MessageInfo struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"`
	Time      MessageTime `json:"time"`
}

// PartInfo is one streaming content fragment of a message.
type PartInfo struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
}

// MessageWithParts pairs message metadata with its full part list, as
// returned by ListMessages.
type MessageWithParts struct {
	Info  MessageInfo `json:"info"`
	Parts []PartInfo  `json:"parts"`
}

// PermissionInfo is an agent approval request pushed over the event feed.
type PermissionInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message,omitempty"`
}

// SessionCreated signals a new agent-side conversation.
type SessionCreated struct {
	Session SessionInfo `json:"info"`
}

// SessionUpdated signals changed session metadata (typically the title).
type SessionUpdated struct {
	Session SessionInfo `json:"info"`
}

// SessionDeleted signals an agent-side session removal.
type SessionDeleted struct {
	Session SessionInfo `json:"info"`
}

// MessageCreated signals a new message beginning to stream.
type MessageCreated struct {
	Message MessageInfo `json:"info"`
}

// MessageUpdated signals changed message metadata. A non-zero completed
// timestamp is the finish signal.
type MessageUpdated struct {
	Message MessageInfo `json:"info"`
}

// MessagePartUpdated carries a streaming text fragment.
type MessagePartUpdated struct {
	Part PartInfo `json:"part"`
}

// PermissionCreated signals a new approval request. The agent pushes it once.
type PermissionCreated struct {
	Permission PermissionInfo `json:"info"`
}

// PermissionReplied signals an approval request was answered elsewhere.
type PermissionReplied struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID"`
}

// ServerConnected is the liveness marker emitted once per subscription.
type ServerConnected struct{}

func (SessionCreated) eventType() string     { return "session.created" }
func (SessionUpdated) eventType() string     { return "session.updated" }
func (SessionDeleted) eventType() string     { return "session.deleted" }
func (MessageCreated) eventType() string     { return "message.created" }
func (MessageUpdated) eventType() string     { return "message.updated" }
func (MessagePartUpdated) eventType() string { return "message.part.updated" }
func (PermissionCreated) eventType() string  { return "permission.created" }
func (PermissionReplied) eventType() string  { return "permission.replied" }
func (ServerConnected) eventType() string    { return "server.connected" }

// envelope is the wire shape of every event: a type tag plus a payload whose
// shape depends on the tag.
type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// decodeEvent turns a wire envelope into a typed event. Unknown event types
// (status chatter, file diffs) decode to (nil, nil) and are skipped.
func decodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	decode := func(v Event) (Event, error) {
		if len(env.Properties) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(env.Properties, v); err != nil {
			return nil, fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case "session.created":
		return decode(&SessionCreated{})
	case "session.updated":
		return decode(&SessionUpdated{})
	case "session.deleted":
		return decode(&SessionDeleted{})
	case "message.created":
		return decode(&MessageCreated{})
	case "message.updated":
		return decode(&MessageUpdated{})
	case "message.part.updated":
		return decode(&MessagePartUpdated{})
	case "permission.created":
		return decode(&PermissionCreated{})
	case "permission.replied":
		return decode(&PermissionReplied{})
	case "server.connected":
		return &ServerConnected{}, nil
	}
	return nil, nil
}
