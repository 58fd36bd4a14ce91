package model

// FrameType is the tag of a protocol frame.
type FrameType string

const (
	FrameTextDelta     FrameType = "text-delta"
	FrameToolCallOpen  FrameType = "tool-call-open"
	FrameToolCallDelta FrameType = "tool-call-delta"
	FrameToolCallClose FrameType = "tool-call-close"
	FrameTurnEnd       FrameType = "turn-end"
)

// Frame is one chunk of an incremental model response.
type Frame struct {
	Type  FrameType `json:"type"`
	ID    string    `json:"id,omitempty"`
	Name  string    `json:"name,omitempty"`
	Delta string    `json:"delta,omitempty"`
}
