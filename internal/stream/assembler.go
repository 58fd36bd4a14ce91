// Package stream assembles protocol frames into a structured assistant message.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

var (
	// ErrMalformedFrame is returned for frames that cannot be applied.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFinalized is returned for frames received after the turn ended.
	ErrFinalized = errors.New("message already finalized")
)

// Assembler turns an ordered frame sequence into one growing message.
// It has no side effects besides logging; callers act on the invocations it
// reports as input-available. An Assembler is not safe for concurrent use.
type Assembler struct {
	msg       *model.Message
	index     map[string]int // invocation id -> part index
	inputs    map[string]*strings.Builder
	textOpen  bool
	textIndex int
	finalized bool
	logger    *logger.Logger
}

// NewAssembler creates an assembler for one assistant message.
func NewAssembler(messageID, threadID, documentID string, log *logger.Logger) *Assembler {
	return &Assembler{
		msg: &model.Message{
			ID:         messageID,
			ThreadID:   threadID,
			DocumentID: documentID,
			Role:       model.RoleAssistant,
			CreatedAt:  time.Now(),
		},
		index:  make(map[string]int),
		inputs: make(map[string]*strings.Builder),
		logger: log.With(zap.String("message_id", messageID)),
	}
}

// Apply consumes one frame. When the frame completes an invocation's input,
// a snapshot of that invocation is returned. Malformed frames are dropped
// and reported as an error wrapping ErrMalformedFrame; they never change
// the state of other invocations.
func (a *Assembler) Apply(f model.Frame) (*model.ToolInvocation, error) {
	if a.finalized {
		return nil, a.drop(f, ErrFinalized)
	}

	switch f.Type {
	case model.FrameTextDelta:
		a.appendText(f.Delta)
		return nil, nil

	case model.FrameToolCallOpen:
		if f.ID == "" || f.Name == "" {
			return nil, a.drop(f, fmt.Errorf("%w: open without id or name", ErrMalformedFrame))
		}
		if _, exists := a.index[f.ID]; exists {
			return nil, a.drop(f, fmt.Errorf("%w: invocation %s already opened", ErrMalformedFrame, f.ID))
		}
		now := time.Now()
		a.textOpen = false
		a.msg.Parts = append(a.msg.Parts, model.Part{
			Type: model.PartToolInvocation,
			Invocation: &model.ToolInvocation{
				ID:        f.ID,
				MessageID: a.msg.ID,
				Name:      f.Name,
				State:     model.StateInputStreaming,
				CreatedAt: now,
				UpdatedAt: now,
			},
		})
		a.index[f.ID] = len(a.msg.Parts) - 1
		a.inputs[f.ID] = &strings.Builder{}
		return nil, nil

	case model.FrameToolCallDelta:
		inv, err := a.streaming(f)
		if err != nil {
			return nil, a.drop(f, err)
		}
		b := a.inputs[f.ID]
		b.WriteString(f.Delta)
		inv.RawInput = b.String()
		inv.UpdatedAt = time.Now()
		return nil, nil

	case model.FrameToolCallClose:
		inv, err := a.streaming(f)
		if err != nil {
			return nil, a.drop(f, err)
		}
		raw := strings.TrimSpace(a.inputs[f.ID].String())
		if raw == "" {
			raw = "{}"
		}
		if json.Valid([]byte(raw)) {
			inv.Input = json.RawMessage(raw)
			inv.RawInput = ""
		} else {
			inv.RawInput = raw
		}
		inv.State = model.StateInputAvailable
		inv.UpdatedAt = time.Now()
		delete(a.inputs, f.ID)

		snapshot := inv.Clone()
		return &snapshot, nil

	case model.FrameTurnEnd:
		a.finalize("turn ended")
		return nil, nil

	default:
		return nil, a.drop(f, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type))
	}
}

// Abort finalizes the message after a cancelled stream. Invocations still
// streaming are discarded; input-available ones are kept.
func (a *Assembler) Abort() {
	a.finalize("stream aborted")
}

// Finalized reports whether the turn has ended.
func (a *Assembler) Finalized() bool {
	return a.finalized
}

// Message returns a deep copy of the message assembled so far.
func (a *Assembler) Message() *model.Message {
	return a.msg.Clone()
}

// Update replaces the stored copy of an invocation, used to record the
// lifecycle progress made after its input became available.
func (a *Assembler) Update(inv model.ToolInvocation) bool {
	idx, ok := a.index[inv.ID]
	if !ok {
		return false
	}
	c := inv.Clone()
	a.msg.Parts[idx].Invocation = &c
	return true
}

func (a *Assembler) appendText(delta string) {
	if delta == "" {
		return
	}
	if !a.textOpen {
		a.msg.Parts = append(a.msg.Parts, model.Part{Type: model.PartText})
		a.textIndex = len(a.msg.Parts) - 1
		a.textOpen = true
	}
	a.msg.Parts[a.textIndex].Text += delta
}

func (a *Assembler) streaming(f model.Frame) (*model.ToolInvocation, error) {
	idx, ok := a.index[f.ID]
	if !ok {
		return nil, fmt.Errorf("%w: invocation %q was never opened", ErrMalformedFrame, f.ID)
	}
	inv := a.msg.Parts[idx].Invocation
	if inv.State != model.StateInputStreaming {
		return nil, fmt.Errorf("%w: invocation %s is %s", ErrMalformedFrame, f.ID, inv.State)
	}
	return inv, nil
}

func (a *Assembler) finalize(reason string) {
	if a.finalized {
		return
	}
	a.finalized = true
	a.textOpen = false

	parts := a.msg.Parts[:0]
	discarded := 0
	for _, p := range a.msg.Parts {
		if p.Type == model.PartToolInvocation && p.Invocation.State == model.StateInputStreaming {
			discarded++
			continue
		}
		parts = append(parts, p)
	}
	a.msg.Parts = parts

	a.index = make(map[string]int, len(parts))
	for i, p := range parts {
		if p.Type == model.PartToolInvocation {
			a.index[p.Invocation.ID] = i
		}
	}
	a.inputs = make(map[string]*strings.Builder)

	if discarded > 0 {
		a.logger.Info("discarded incomplete tool invocations",
			zap.String("reason", reason),
			zap.Int("count", discarded),
		)
	}
}

func (a *Assembler) drop(f model.Frame, err error) error {
	metrics.FramesDropped.WithLabelValues(string(f.Type)).Inc()
	a.logger.Warn("dropping frame",
		zap.String("frame_type", string(f.Type)),
		zap.String("invocation_id", f.ID),
		zap.Error(err),
	)
	return err
}

// DecodeFrames reads newline-delimited JSON frames. Lines that are not valid
// frames are reported through onBad and skipped.
func DecodeFrames(r io.Reader, onBad func(line int, err error)) ([]model.Frame, error) {
	var frames []model.Frame
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var f model.Frame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			if onBad != nil {
				onBad(line, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			}
			continue
		}
		frames = append(frames, f)
	}
	if err := scanner.Err(); err != nil {
		return frames, fmt.Errorf("failed to read frames: %w", err)
	}
	return frames, nil
}
