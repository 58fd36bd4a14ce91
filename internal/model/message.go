package model

import (
	"strings"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType tags a message part.
type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool-invocation"
)

// Part is a text segment or a tool invocation within a message.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
}

// Message represents a transcript message.
type Message struct {
	// Identity
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id"`
	DocumentID string `json:"document_id"`

	// Content
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`

	// LLM Metadata (nullable for non-assistant messages)
	Model      *string `json:"model,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	StreamStarted *time.Time `json:"stream_started,omitempty"`
	StreamEnded   *time.Time `json:"stream_ended,omitempty"`

	// JetStream Metadata (populated on read)
	Sequence uint64 `json:"sequence,omitempty"`
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Invocations returns copies of the tool invocations in part order.
func (m *Message) Invocations() []ToolInvocation {
	var out []ToolInvocation
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation && p.Invocation != nil {
			out = append(out, p.Invocation.Clone())
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		c.Parts[i] = p
		if p.Invocation != nil {
			inv := p.Invocation.Clone()
			c.Parts[i].Invocation = &inv
		}
	}
	return &c
}

// SendMessageRequest is the request to start an assistant turn.
type SendMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
}

// TextEvent represents a streamed text delta.
type TextEvent struct {
	Delta string `json:"delta"`
	Index int    `json:"index"`
}

// MessageCompleteEvent represents a message completion event.
type MessageCompleteEvent struct {
	Message  Message `json:"message"`
	Sequence uint64  `json:"sequence,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
