package model

import (
	"time"
)

// EventType represents the type of document session event.
type EventType string

const (
	EventTypeInvocation EventType = "invocation"
	EventTypeMutation   EventType = "mutation"
	EventTypeError      EventType = "error"
	EventTypeCancel     EventType = "cancel"
)

// SessionEvent is recorded on the transcript stream alongside messages.
type SessionEvent struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	ThreadID   string          `json:"thread_id"`
	Type       EventType       `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Sequence   uint64          `json:"sequence,omitempty"`
}
