package model

import (
	"encoding/json"
	"errors"
	"time"
)

// InvocationState is the lifecycle state of a tool invocation.
type InvocationState string

const (
	StateInputStreaming  InvocationState = "input-streaming"
	StateInputAvailable  InvocationState = "input-available"
	StateApproved        InvocationState = "approved"
	StateRejected        InvocationState = "rejected"
	StateOutputAvailable InvocationState = "output-available"
	StateOutputError     InvocationState = "output-error"
)

// ErrInvalidTransition is returned when a state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid invocation state transition")

// ValidTransitions lists the forward-only transitions of the invocation lifecycle.
var ValidTransitions = map[InvocationState][]InvocationState{
	StateInputStreaming: {StateInputAvailable},
	// Auto-executing commands and validation failures skip the approval states.
	StateInputAvailable:  {StateApproved, StateRejected, StateOutputAvailable, StateOutputError},
	StateApproved:        {StateOutputAvailable, StateOutputError},
	StateRejected:        {StateOutputError},
	StateOutputAvailable: {},
	StateOutputError:     {},
}

// IsTerminal returns true if no further transitions are allowed.
func (s InvocationState) IsTerminal() bool {
	return s == StateOutputAvailable || s == StateOutputError
}

// CanTransitionTo checks if a transition to target is valid.
func (s InvocationState) CanTransitionTo(target InvocationState) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// TransitionTo returns target if the transition is valid.
func (s InvocationState) TransitionTo(target InvocationState) (InvocationState, error) {
	if !s.CanTransitionTo(target) {
		return s, ErrInvalidTransition
	}
	return target, nil
}

// ToolInvocation is one command proposed by the assistant.
type ToolInvocation struct {
	ID               string          `json:"id"`
	MessageID        string          `json:"message_id,omitempty"`
	Name             string          `json:"name"`
	Input            json.RawMessage `json:"input,omitempty"`
	RawInput         string          `json:"raw_input,omitempty"`
	State            InvocationState `json:"state"`
	RequiresApproval bool            `json:"requires_approval"`
	Output           json.RawMessage `json:"output,omitempty"`
	ErrorText        string          `json:"error_text,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Key identifies the invocation across messages. Tool-call ids are only
// unique within the message that proposed them.
func (t ToolInvocation) Key() string {
	if t.MessageID == "" {
		return t.ID
	}
	return t.MessageID + "/" + t.ID
}

// Rank orders states along the lifecycle. A later state always has a higher
// rank.
func (s InvocationState) Rank() int {
	switch s {
	case StateInputStreaming:
		return 0
	case StateInputAvailable:
		return 1
	case StateApproved, StateRejected:
		return 2
	case StateOutputAvailable, StateOutputError:
		return 3
	default:
		return -1
	}
}

// Clone returns a deep copy of the invocation.
func (t ToolInvocation) Clone() ToolInvocation {
	c := t
	if t.Input != nil {
		c.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Output != nil {
		c.Output = append(json.RawMessage(nil), t.Output...)
	}
	return c
}

// Decision is a human verdict on a pending invocation.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// DecisionRequest is the body of a decision event.
// MessageID is only needed when the same invocation id is pending in more
// than one message of a thread.
type DecisionRequest struct {
	InvocationID string   `json:"invocation_id"`
	MessageID    string   `json:"message_id,omitempty"`
	Decision     Decision `json:"decision"`
}

// DecisionResponse reports the invocation after a decision.
type DecisionResponse struct {
	Invocation ToolInvocation `json:"invocation"`
	Applied    bool           `json:"applied"`
}
