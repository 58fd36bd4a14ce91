package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/llm"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/stream"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

// emitter serializes events from the stream goroutine and from decisions
// made concurrently on other goroutines. After close it drops events.
type emitter struct {
	mu     sync.Mutex
	fn     EventCallback
	err    error
	closed bool
}

func (e *emitter) emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.err != nil || e.fn == nil {
		return e.err
	}
	e.err = e.fn(ev)
	return e.err
}

func (e *emitter) failed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// turn is one assistant message being assembled.
type turn struct {
	svc     *SessionService
	sess    *session
	ctx     context.Context
	asm     *stream.Assembler
	out     *emitter
	started time.Time
	texts   int
	cancels []func()
}

func (s *SessionService) beginTurn(ctx context.Context, sess *session, onEvent EventCallback) *turn {
	msgID := uuid.Must(uuid.NewV7()).String()
	t := &turn{
		svc:     s,
		sess:    sess,
		ctx:     ctx,
		asm:     stream.NewAssembler(msgID, sess.key.ThreadID, sess.key.DocumentID, s.logger),
		out:     &emitter{fn: onEvent},
		started: time.Now(),
	}
	t.cancels = append(t.cancels,
		sess.watch(func(inv model.ToolInvocation) {
			_ = t.out.emit(Event{Type: EventInvocation, Data: inv})
		}),
		sess.live.Subscribe(func(doc *model.Document) {
			_ = t.out.emit(Event{Type: EventDocument, Data: doc})
		}),
	)
	return t
}

// apply feeds one frame to the assembler. Malformed frames are dropped by
// the assembler and do not end the turn; only a failed event delivery does.
func (t *turn) apply(f model.Frame) error {
	inv, err := t.asm.Apply(f)
	if err != nil {
		return t.out.failed()
	}

	if f.Type == model.FrameTextDelta && f.Delta != "" {
		if err := t.out.emit(Event{Type: EventText, Data: &model.TextEvent{Delta: f.Delta, Index: t.texts}}); err != nil {
			return err
		}
		t.texts++
	}

	if inv != nil {
		tracked, err := t.sess.machine.Track(t.ctx, *inv)
		if err != nil {
			t.svc.logger.Warn("failed to track invocation",
				zap.String("invocation_id", inv.ID),
				zap.Error(err),
			)
		} else {
			t.asm.Update(tracked)
		}
	}
	return t.out.failed()
}

// finish ends the turn normally and persists the assistant message.
func (t *turn) finish(resp *llm.CompletionResponse) *model.Message {
	if !t.asm.Finalized() {
		_, _ = t.asm.Apply(model.Frame{Type: model.FrameTurnEnd})
	}
	msg := t.persist(resp)
	_ = t.out.emit(Event{Type: EventDone, Data: &model.MessageCompleteEvent{Message: *msg}})
	return msg
}

// abort ends a cancelled or failed turn. Whatever was assembled is still
// persisted.
func (t *turn) abort(cause error) (*model.Message, error) {
	t.asm.Abort()
	msg := t.persist(nil)

	key := t.sess.key
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || t.ctx.Err() != nil {
		t.svc.publishEvent(key, model.EventTypeCancel, cause.Error(), nil, nil)
	} else {
		t.svc.publishEvent(key, model.EventTypeError, cause.Error(), nil, nil)
	}
	t.svc.logger.Info("turn aborted",
		zap.String("session", key.String()),
		zap.String("message_id", msg.ID),
		zap.Error(cause),
	)
	return msg, cause
}

func (t *turn) persist(resp *llm.CompletionResponse) *model.Message {
	for _, inv := range t.asm.Message().Invocations() {
		if current, ok := t.sess.machine.Get(inv.Key()); ok {
			t.asm.Update(current)
		}
	}

	msg := t.asm.Message()
	ended := time.Now()
	msg.StreamStarted = &t.started
	msg.StreamEnded = &ended
	if resp != nil {
		msg.Model = &resp.Model
		msg.StopReason = &resp.StopReason
	}

	published := msg.Clone()
	t.svc.writer.Submit("publish_message", func(ctx context.Context) error {
		_, err := t.svc.transcript.PublishMessage(ctx, published)
		return err
	})
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	return msg
}

func (t *turn) end() {
	for _, cancel := range t.cancels {
		cancel()
	}
	t.out.close()
}
