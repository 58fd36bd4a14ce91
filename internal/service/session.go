package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/approval"
	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/llm"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/reconciler"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

// ErrTurnInProgress is returned when a thread already has a running turn.
var ErrTurnInProgress = errors.New("a turn is already in progress for this thread")

const defaultSystemPrompt = `You are a presentation assistant editing a slide deck.
Use the read-only tools to inspect slides before changing them.
Every change you propose is shown to the user, who approves or rejects it.
Refer to slides by id, never by position alone.`

// Executor runs commands against the authoritative document.
type Executor interface {
	approval.Executor
	Document(ctx context.Context, documentID string) (*model.Document, error)
}

// SessionConfig holds turn defaults.
type SessionConfig struct {
	Model        string
	MaxTokens    int
	HistoryLimit int
	SystemPrompt string
}

// EventType tags an event emitted to the caller of a turn.
type EventType string

const (
	EventText       EventType = "text"
	EventInvocation EventType = "invocation"
	EventDocument   EventType = "document"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one update of a running turn.
type Event struct {
	Type EventType
	Data any
}

// EventCallback receives turn events. Returning an error ends the turn as if
// it had been cancelled.
type EventCallback func(ev Event) error

// restorePageSize is the number of transcript events read per page when a
// session is reopened.
const restorePageSize = 256

type session struct {
	key     model.SessionKey
	machine *approval.Machine
	live    *reconciler.Reconciler
	running sync.Mutex

	// Guarded by SessionService.mu.
	lastUsed time.Time
	evicted  bool

	mu        sync.Mutex
	watchers  map[int]approval.Listener
	nextWatch int
}

func (sess *session) watch(l approval.Listener) func() {
	sess.mu.Lock()
	id := sess.nextWatch
	sess.nextWatch++
	sess.watchers[id] = l
	sess.mu.Unlock()
	return func() {
		sess.mu.Lock()
		delete(sess.watchers, id)
		sess.mu.Unlock()
	}
}

func (sess *session) watched() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.watchers) > 0
}

func (sess *session) broadcast(inv model.ToolInvocation) {
	sess.mu.Lock()
	watchers := make([]approval.Listener, 0, len(sess.watchers))
	for _, l := range sess.watchers {
		watchers = append(watchers, l)
	}
	sess.mu.Unlock()
	for _, l := range watchers {
		l(inv)
	}
}

// SessionService runs assistant turns and routes human decisions. Each
// document has one live view shared by its threads; each thread has its own
// approval machine.
type SessionService struct {
	registry   *command.Registry
	exec       Executor
	writer     *store.Writer
	transcript store.Transcript
	llmClient  llm.Client
	cfg        SessionConfig
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[model.SessionKey]*session
	views    map[string]*reconciler.Reconciler
}

// NewSessionService creates a new session service.
func NewSessionService(
	registry *command.Registry,
	exec Executor,
	writer *store.Writer,
	transcript store.Transcript,
	llmClient llm.Client,
	cfg SessionConfig,
	log *logger.Logger,
) *SessionService {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &SessionService{
		registry:   registry,
		exec:       exec,
		writer:     writer,
		transcript: transcript,
		llmClient:  llmClient,
		cfg:        cfg,
		logger:     log.With(zap.String("component", "session_service")),
		sessions:   make(map[model.SessionKey]*session),
		views:      make(map[string]*reconciler.Reconciler),
	}
}

// session returns the session for key, opening it on first use. Opening a
// session restores the invocations its transcript left awaiting a decision.
func (s *SessionService) session(ctx context.Context, key model.SessionKey) (*session, error) {
	if sess, ok := s.lookup(key); ok {
		return sess, nil
	}
	restored := s.restorable(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		sess.lastUsed = time.Now()
		return sess, nil
	}

	live, err := s.viewLocked(ctx, key.DocumentID)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithSession(key.DocumentID, key.ThreadID)
	sess := &session{
		key:      key,
		live:     live,
		watchers: make(map[int]approval.Listener),
		lastUsed: time.Now(),
	}
	sess.machine = approval.New(key.DocumentID, s.registry, s.exec, live, s.logger.With(zap.String("thread_id", key.ThreadID)))
	for _, inv := range restored {
		if err := sess.machine.Restore(inv); err != nil {
			log.Warn("pending invocation not restored",
				zap.String("invocation_id", inv.Key()),
				zap.Error(err),
			)
		}
	}
	sess.machine.OnChange(func(inv model.ToolInvocation) {
		s.recordInvocation(key, inv)
		sess.broadcast(inv)
	})
	s.sessions[key] = sess

	log.Info("session opened", zap.Int("restored", len(restored)))
	return sess, nil
}

// acquire returns the thread's session with its turn lock held.
func (s *SessionService) acquire(ctx context.Context, key model.SessionKey) (*session, error) {
	for {
		sess, err := s.session(ctx, key)
		if err != nil {
			return nil, err
		}
		if !sess.running.TryLock() {
			return nil, ErrTurnInProgress
		}
		s.mu.Lock()
		evicted := sess.evicted
		s.mu.Unlock()
		if !evicted {
			return sess, nil
		}
		sess.running.Unlock()
	}
}

func (s *SessionService) lookup(key model.SessionKey) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if ok {
		sess.lastUsed = time.Now()
	}
	return sess, ok
}

// restorable folds the thread's invocation events to the furthest state of
// each invocation and returns those still awaiting a decision. A transcript
// that cannot be read restores nothing.
func (s *SessionService) restorable(ctx context.Context, key model.SessionKey) []model.ToolInvocation {
	var (
		latest = make(map[string]model.ToolInvocation)
		order  []string
		after  uint64
	)
	for {
		events, last, more, err := s.transcript.GetEvents(ctx, key, after, restorePageSize)
		if err != nil {
			s.logger.Warn("failed to read thread events, nothing restored",
				zap.String("session", key.String()),
				zap.Error(err),
			)
			return nil
		}
		for _, ev := range events {
			if ev.Type != model.EventTypeInvocation || ev.Invocation == nil {
				continue
			}
			inv := ev.Invocation.Clone()
			k := inv.Key()
			cur, seen := latest[k]
			if !seen {
				order = append(order, k)
			}
			if !seen || inv.State.Rank() >= cur.State.Rank() {
				latest[k] = inv
			}
		}
		if !more || last <= after {
			break
		}
		after = last
	}

	var out []model.ToolInvocation
	for _, k := range order {
		if inv := latest[k]; inv.State == model.StateInputAvailable && inv.RequiresApproval {
			out = append(out, inv)
		}
	}
	return out
}

// Evict closes sessions unused for longer than idle that have no running
// turn, pending invocation or watcher, then drops views no session uses.
// It returns the number of sessions closed.
func (s *SessionService) Evict(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, sess := range s.sessions {
		if sess.lastUsed.After(cutoff) || !sess.running.TryLock() {
			continue
		}
		if len(sess.machine.Pending()) == 0 && !sess.watched() {
			sess.evicted = true
			delete(s.sessions, key)
			n++
		}
		sess.running.Unlock()
	}

	inUse := make(map[string]bool, len(s.sessions))
	for key := range s.sessions {
		inUse[key.DocumentID] = true
	}
	for id := range s.views {
		if !inUse[id] {
			delete(s.views, id)
		}
	}
	return n
}

// RunJanitor evicts idle sessions every interval until ctx is done.
func (s *SessionService) RunJanitor(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Evict(idle); n > 0 {
				s.logger.Info("evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *SessionService) viewLocked(ctx context.Context, documentID string) (*reconciler.Reconciler, error) {
	if live, ok := s.views[documentID]; ok {
		return live, nil
	}
	doc, err := s.exec.Document(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	live := reconciler.New(doc, s.registry, s.logger)
	s.views[documentID] = live
	return live, nil
}

// StartTurn sends a user message to the model and streams the assistant
// turn. Invocations are tracked as soon as their input is complete, so
// read-only commands run mid-stream and gated ones become decidable before
// the turn ends. Cancelling ctx aborts the turn; invocations that were
// already input-available stay approvable.
func (s *SessionService) StartTurn(ctx context.Context, key model.SessionKey, req *model.SendMessageRequest, onEvent EventCallback) (*model.Message, error) {
	sess, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer sess.running.Unlock()

	history := s.history(ctx, key)

	s.writer.AppendMessage(key, model.RoleUser, req.Content, nil)
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	modelName := req.Model
	if modelName == "" {
		modelName = s.cfg.Model
	}
	llmReq := &llm.CompletionRequest{
		Model:     modelName,
		System:    s.systemPrompt(sess.live.Document()),
		Messages:  append(history, llm.ChatMessage{Role: string(model.RoleUser), Content: req.Content}),
		Tools:     s.registry.Definitions(),
		MaxTokens: s.cfg.MaxTokens,
	}

	t := s.beginTurn(ctx, sess, onEvent)
	defer t.end()

	resp, err := s.llmClient.StreamFrames(ctx, llmReq, t.apply)

	status := "success"
	switch {
	case err != nil && ctx.Err() != nil:
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	metrics.RecordLLMStream(s.llmClient.Name(), status, time.Since(t.started).Seconds())

	if err != nil {
		return t.abort(fmt.Errorf("LLM stream failed: %w", err))
	}
	return t.finish(resp), nil
}

// Ingest runs frames produced by an external model collaborator through the
// same pipeline as StartTurn. A sequence without a turn-end frame is ended
// after its last frame.
func (s *SessionService) Ingest(ctx context.Context, key model.SessionKey, frames []model.Frame, onEvent EventCallback) (*model.Message, error) {
	sess, err := s.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer sess.running.Unlock()

	t := s.beginTurn(ctx, sess, onEvent)
	defer t.end()

	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return t.abort(err)
		}
		if err := t.apply(f); err != nil {
			return t.abort(err)
		}
	}
	return t.finish(nil), nil
}

// Decide routes a human decision to the thread's approval machine.
func (s *SessionService) Decide(ctx context.Context, key model.SessionKey, req model.DecisionRequest) (model.DecisionResponse, error) {
	sess, err := s.session(ctx, key)
	if err != nil {
		return model.DecisionResponse{}, err
	}
	return sess.machine.Decide(ctx, req)
}

// Pending lists the invocations of a thread awaiting a decision.
func (s *SessionService) Pending(ctx context.Context, key model.SessionKey) ([]model.ToolInvocation, error) {
	sess, err := s.session(ctx, key)
	if err != nil {
		return nil, err
	}
	return sess.machine.Pending(), nil
}

// Invocation returns the current state of one invocation of a thread. id is
// an invocation key or a bare call id.
func (s *SessionService) Invocation(key model.SessionKey, id string) (model.ToolInvocation, bool) {
	sess, ok := s.lookup(key)
	if !ok {
		return model.ToolInvocation{}, false
	}
	return sess.machine.Get(id)
}

// Document returns the live view of the document a thread is editing.
func (s *SessionService) Document(ctx context.Context, key model.SessionKey) (*model.Document, error) {
	s.mu.Lock()
	live, err := s.viewLocked(ctx, key.DocumentID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return live.Document(), nil
}

// Transcript retrieves persisted messages of a thread.
func (s *SessionService) Transcript(ctx context.Context, key model.SessionKey, afterSequence uint64, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	messages, lastSeq, hasMore, err := s.transcript.GetMessages(ctx, key, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}

	return &model.ListMessagesResponse{
		Messages:     messages,
		HasMore:      hasMore,
		LastSequence: lastSeq,
	}, nil
}

// history loads earlier text of the thread. A transcript failure only costs
// context, so the turn goes ahead without it.
func (s *SessionService) history(ctx context.Context, key model.SessionKey) []llm.ChatMessage {
	messages, _, _, err := s.transcript.GetMessages(ctx, key, 0, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warn("failed to load thread history",
			zap.String("session", key.String()),
			zap.Error(err),
		)
		return nil
	}

	out := make([]llm.ChatMessage, 0, len(messages))
	for i := range messages {
		text := strings.TrimSpace(messages[i].Text())
		if text == "" || messages[i].Role == model.RoleSystem {
			continue
		}
		out = append(out, llm.ChatMessage{Role: string(messages[i].Role), Content: text})
	}
	return out
}

func (s *SessionService) systemPrompt(doc *model.Document) string {
	return s.cfg.SystemPrompt + "\n\nCurrent deck:\n" + deck.Outline(doc)
}

// recordInvocation appends invocation progress to the transcript.
func (s *SessionService) recordInvocation(key model.SessionKey, inv model.ToolInvocation) {
	s.publishEvent(key, model.EventTypeInvocation, inv.ErrorText, &inv, nil)
	if inv.State == model.StateOutputAvailable && inv.RequiresApproval {
		s.publishEvent(key, model.EventTypeMutation, "", nil, map[string]any{
			"invocation_id": inv.Key(),
			"command":       inv.Name,
		})
	}
}

func (s *SessionService) publishEvent(key model.SessionKey, typ model.EventType, reason string, inv *model.ToolInvocation, metadata map[string]any) {
	ev := &model.SessionEvent{
		ID:         uuid.Must(uuid.NewV7()).String(),
		DocumentID: key.DocumentID,
		ThreadID:   key.ThreadID,
		Type:       typ,
		Reason:     reason,
		Invocation: inv,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	s.writer.Submit("publish_event", func(ctx context.Context) error {
		_, err := s.transcript.PublishEvent(ctx, ev)
		return err
	})
}
