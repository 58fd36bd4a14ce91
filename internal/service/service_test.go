package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/deck-assistant/internal/approval"
	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/executor"
	"github.com/capitalize-ai/deck-assistant/internal/llm"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

type scriptedLLM struct {
	mu       sync.Mutex
	frames   []model.Frame
	err      error
	hold     chan struct{} // blocks after the frames until closed or ctx ends
	reached  chan struct{} // closed once the frames were delivered
	requests []*llm.CompletionRequest
}

func (c *scriptedLLM) StreamFrames(ctx context.Context, req *llm.CompletionRequest, cb llm.FrameCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	frames, hold, reached, failure := c.frames, c.hold, c.reached, c.err
	c.mu.Unlock()

	for _, f := range frames {
		if err := cb(f); err != nil {
			return nil, err
		}
	}
	if reached != nil {
		close(reached)
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	return &llm.CompletionResponse{Model: "scripted", StopReason: "end_turn"}, nil
}

func (c *scriptedLLM) Name() string     { return "scripted" }
func (c *scriptedLLM) Models() []string { return []string{"scripted"} }

func (c *scriptedLLM) script(frames ...model.Frame) {
	c.mu.Lock()
	c.frames = frames
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	mem  *store.Memory
	docs *DocumentService
	svc    *SessionService
	llm    *scriptedLLM
	doc    *model.Document
	key    model.SessionKey
	writer *store.Writer
	exec   *executor.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	log := logger.NewNop()

	docs := NewDocumentService(mem, log)
	doc, err := docs.Create(ctx, "tenant-1", &model.CreateDocumentRequest{Title: "Q3 Review"})
	require.NoError(t, err)

	writer := store.NewWriter(mem, store.WriterConfig{Sync: true, MaxElapsedTime: time.Second}, log)
	exec, err := executor.New(mem, writer, executor.NewLocalLocker(), executor.Config{CacheSize: 8}, log)
	require.NoError(t, err)

	client := &scriptedLLM{}
	svc := NewSessionService(command.NewRegistry(), exec, writer, mem, client, SessionConfig{Model: "test-model"}, log)

	return &fixture{
		mem:    mem,
		docs:   docs,
		svc:    svc,
		llm:    client,
		doc:    doc,
		key:    model.SessionKey{DocumentID: doc.ID, ThreadID: "thread-1"},
		writer: writer,
		exec:   exec,
	}
}

// restart builds a fresh service over the same store, as after a process
// restart.
func (f *fixture) restart(t *testing.T) *SessionService {
	t.Helper()
	log := logger.NewNop()
	writer := store.NewWriter(f.mem, store.WriterConfig{Sync: true, MaxElapsedTime: time.Second}, log)
	exec, err := executor.New(f.mem, writer, executor.NewLocalLocker(), executor.Config{CacheSize: 8}, log)
	require.NoError(t, err)
	return NewSessionService(command.NewRegistry(), exec, writer, f.mem, &scriptedLLM{}, SessionConfig{}, log)
}

func (f *fixture) pending(t *testing.T) []model.ToolInvocation {
	t.Helper()
	out, err := f.svc.Pending(context.Background(), f.key)
	require.NoError(t, err)
	return out
}

func text(delta string) model.Frame {
	return model.Frame{Type: model.FrameTextDelta, Delta: delta}
}

func call(id, name, input string) []model.Frame {
	return []model.Frame{
		{Type: model.FrameToolCallOpen, ID: id, Name: name},
		{Type: model.FrameToolCallDelta, ID: id, Delta: input},
		{Type: model.FrameToolCallClose, ID: id},
	}
}

func frames(parts ...any) []model.Frame {
	var out []model.Frame
	for _, p := range parts {
		switch v := p.(type) {
		case model.Frame:
			out = append(out, v)
		case []model.Frame:
			out = append(out, v...)
		}
	}
	return out
}

func TestDocumentService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Len(t, f.doc.Items, 1)
	assert.Equal(t, "Q3 Review", f.doc.Items[0].Title)
	assert.Equal(t, 0, f.doc.Items[0].Position)

	got, err := f.docs.Get(ctx, "tenant-1", f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, f.doc.ID, got.ID)

	_, err = f.docs.Get(ctx, "tenant-2", f.doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = f.docs.Get(ctx, "tenant-1", "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	untitled, err := f.docs.Create(ctx, "tenant-1", &model.CreateDocumentRequest{Title: "  "})
	require.NoError(t, err)
	assert.Equal(t, defaultDocumentTitle, untitled.Title)

	list, err := f.docs.List(ctx, "tenant-1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Documents, 1)
	assert.True(t, list.HasMore)

	empty, err := f.docs.List(ctx, "tenant-3", 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Documents)
	assert.Zero(t, empty.Total)
}

func TestStartTurn_GatedInvocationWaitsForDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.script(frames(
		text("Adding an agenda slide."),
		call("c1", command.CreateItem, `{"title":"Agenda","position":1}`),
	)...)

	rec := &recorder{}
	msg, err := f.svc.StartTurn(ctx, f.key, &model.SendMessageRequest{Content: "add an agenda"}, rec.record)
	require.NoError(t, err)

	assert.Equal(t, "Adding an agenda slide.", msg.Text())
	invs := msg.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, model.StateInputAvailable, invs[0].State)
	assert.True(t, invs[0].RequiresApproval)

	require.Len(t, f.llm.requests, 1)
	req := f.llm.requests[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Contains(t, req.System, "Q3 Review")
	assert.Len(t, req.Tools, len(command.NewRegistry().Names()))

	require.Len(t, rec.ofType(EventText), 1)
	require.Len(t, rec.ofType(EventInvocation), 1)
	assert.Equal(t, EventDone, rec.last().Type)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ID)

	live, err := f.svc.Document(ctx, f.key)
	require.NoError(t, err)
	assert.Len(t, live.Items, 1, "nothing changes before approval")

	res, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)

	live, err = f.svc.Document(ctx, f.key)
	require.NoError(t, err)
	require.Len(t, live.Items, 2)
	assert.Equal(t, "Agenda", live.Items[1].Title)

	stored, err := f.mem.LoadDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, live.Items, stored.Items)
	assert.Empty(t, f.pending(t))

	transcript, err := f.svc.Transcript(ctx, f.key, 0, 10)
	require.NoError(t, err)
	require.Len(t, transcript.Messages, 2)
	assert.Equal(t, model.RoleUser, transcript.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, transcript.Messages[1].Role)
	assert.Equal(t, msg.ID, transcript.Messages[1].ID)

	var mutations int
	for _, ev := range f.mem.Events(f.key) {
		if ev.Type == model.EventTypeMutation {
			mutations++
		}
	}
	assert.Equal(t, 1, mutations)
}

func TestStartTurn_ReadOnlyCommandRunsMidStream(t *testing.T) {
	f := newFixture(t)
	f.llm.script(call("l1", command.ListItems, `{}`)...)

	rec := &recorder{}
	msg, err := f.svc.StartTurn(context.Background(), f.key, &model.SendMessageRequest{Content: "what slides are there?"}, rec.record)
	require.NoError(t, err)

	invs := msg.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, model.StateOutputAvailable, invs[0].State)
	assert.False(t, invs[0].RequiresApproval)
	assert.Contains(t, string(invs[0].Output), f.doc.Items[0].ID)

	events := rec.ofType(EventInvocation)
	require.Len(t, events, 1)
	assert.Equal(t, model.StateOutputAvailable, events[0].Data.(model.ToolInvocation).State)
	assert.Empty(t, f.pending(t))
}

func TestStartTurn_CancelKeepsReadyInvocations(t *testing.T) {
	f := newFixture(t)
	f.llm.script(frames(
		call("c1", command.CreateItem, `{"title":"Agenda"}`),
		model.Frame{Type: model.FrameToolCallOpen, ID: "c2", Name: command.DeleteItem},
		model.Frame{Type: model.FrameToolCallDelta, ID: "c2", Delta: `{"itemId":`},
	)...)
	f.llm.hold = make(chan struct{})
	f.llm.reached = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.llm.reached
		cancel()
	}()

	msg, err := f.svc.StartTurn(ctx, f.key, &model.SendMessageRequest{Content: "restructure"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, msg)

	invs := msg.Invocations()
	require.Len(t, invs, 1, "the streaming invocation is discarded")
	assert.Equal(t, "c1", invs[0].ID)

	res, err := f.svc.Decide(context.Background(), f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)

	var cancelled bool
	for _, ev := range f.mem.Events(f.key) {
		cancelled = cancelled || ev.Type == model.EventTypeCancel
	}
	assert.True(t, cancelled)
}

func TestStartTurn_LLMFailure(t *testing.T) {
	f := newFixture(t)
	f.llm.script(text("Let me"))
	f.llm.err = errors.New("upstream overloaded")

	msg, err := f.svc.StartTurn(context.Background(), f.key, &model.SendMessageRequest{Content: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream overloaded")
	assert.Equal(t, "Let me", msg.Text())

	var failed bool
	for _, ev := range f.mem.Events(f.key) {
		failed = failed || ev.Type == model.EventTypeError
	}
	assert.True(t, failed)
}

func TestStartTurn_CallbackErrorEndsTurn(t *testing.T) {
	f := newFixture(t)
	f.llm.script(text("one"), text("two"))
	gone := errors.New("client went away")

	var calls int
	_, err := f.svc.StartTurn(context.Background(), f.key, &model.SendMessageRequest{Content: "hi"}, func(Event) error {
		calls++
		return gone
	})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, calls)
}

func TestStartTurn_IncludesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.llm.script(text("Hello."))
	_, err := f.svc.StartTurn(ctx, f.key, &model.SendMessageRequest{Content: "hi"}, nil)
	require.NoError(t, err)

	f.llm.script(text("Sure."))
	_, err = f.svc.StartTurn(ctx, f.key, &model.SendMessageRequest{Content: "make it shorter"}, nil)
	require.NoError(t, err)

	require.Len(t, f.llm.requests, 2)
	msgs := f.llm.requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.ChatMessage{Role: "user", Content: "hi"}, msgs[0])
	assert.Equal(t, llm.ChatMessage{Role: "assistant", Content: "Hello."}, msgs[1])
	assert.Equal(t, llm.ChatMessage{Role: "user", Content: "make it shorter"}, msgs[2])
}

func TestStartTurn_DecisionDuringTurnIsStreamed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.script(call("c1", command.CreateItem, `{"title":"Agenda"}`)...)
	f.llm.hold = make(chan struct{})
	f.llm.reached = make(chan struct{})

	rec := &recorder{}
	type outcome struct {
		msg *model.Message
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		msg, err := f.svc.StartTurn(ctx, f.key, &model.SendMessageRequest{Content: "add agenda"}, rec.record)
		done <- outcome{msg, err}
	}()
	<-f.llm.reached

	_, err := f.svc.StartTurn(ctx, f.key, &model.SendMessageRequest{Content: "again"}, nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)

	res, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	require.True(t, res.Applied)

	close(f.llm.hold)
	out := <-done
	require.NoError(t, out.err)

	invs := out.msg.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, model.StateOutputAvailable, invs[0].State)

	docs := rec.ofType(EventDocument)
	require.Len(t, docs, 1)
	assert.Len(t, docs[0].Data.(*model.Document).Items, 2)

	var states []model.InvocationState
	for _, ev := range rec.ofType(EventInvocation) {
		states = append(states, ev.Data.(model.ToolInvocation).State)
	}
	assert.Equal(t, []model.InvocationState{
		model.StateInputAvailable,
		model.StateApproved,
		model.StateOutputAvailable,
	}, states)
}

func TestIngest_RejectHasNoSideEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Ingest(ctx, f.key, frames(
		call("s1", command.UpdateSettings, `{"theme":"ocean"}`),
		model.Frame{Type: model.FrameTurnEnd},
	), nil)
	require.NoError(t, err)
	require.Len(t, msg.Invocations(), 1)

	res, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "s1", Decision: model.DecisionRejected})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateOutputError, res.Invocation.State)
	assert.Equal(t, approval.DeniedReason, res.Invocation.ErrorText)

	again, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "s1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, model.StateOutputError, again.Invocation.State)

	live, err := f.svc.Document(ctx, f.key)
	require.NoError(t, err)
	assert.Empty(t, live.Settings.Theme)
	assert.Zero(t, f.mem.Mutations())
}

func TestIngest_MalformedFramesAreDropped(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.Ingest(context.Background(), f.key, frames(
		model.Frame{Type: model.FrameToolCallDelta, ID: "ghost", Delta: "{}"},
		model.Frame{Type: "bogus"},
		text("ok"),
		call("m1", command.MoveItem, `{"itemId":"x","newPosition":0}`),
		model.Frame{Type: model.FrameToolCallOpen, ID: "half", Name: command.DeleteItem},
	), nil)
	require.NoError(t, err)

	assert.Equal(t, "ok", msg.Text())
	invs := msg.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "m1", invs[0].ID)

	inv, ok := f.svc.Invocation(f.key, "m1")
	require.True(t, ok)
	assert.Equal(t, model.StateInputAvailable, inv.State)
}

func TestIngest_UnknownCommandFailsAtOnce(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.Ingest(context.Background(), f.key, call("u1", "renameDeck", `{}`), nil)
	require.NoError(t, err)

	invs := msg.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, model.StateOutputError, invs[0].State)
	assert.Empty(t, f.pending(t))
}

func TestSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "nope", Decision: model.DecisionApproved})
	assert.ErrorIs(t, err, approval.ErrUnknownInvocation)
	assert.Empty(t, f.pending(t))

	missing := model.SessionKey{DocumentID: "missing", ThreadID: "t"}
	_, err = f.svc.StartTurn(ctx, missing, &model.SendMessageRequest{Content: "hi"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Document(ctx, missing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_ReusedCallIDStartsNewInvocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, f.key, call("c1", command.CreateItem, `{"title":"B","position":1}`), nil)
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)

	second, err := f.svc.Ingest(ctx, f.key, call("c1", command.CreateItem, `{"title":"C","position":2}`), nil)
	require.NoError(t, err)
	invs := second.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, model.StateInputAvailable, invs[0].State, "not the snapshot of the earlier call")
	assert.Equal(t, second.ID, invs[0].MessageID)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"title":"C","position":2}`, string(pending[0].Input))

	res, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	live, err := f.svc.Document(ctx, f.key)
	require.NoError(t, err)
	require.Len(t, live.Items, 3)
	assert.Equal(t, "C", live.Items[2].Title)
	stored, err := f.mem.LoadDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, live.Items, stored.Items)
	assert.Equal(t, 2, f.mem.Mutations())
}

func TestDecide_ThreadsOnOneDocumentStayConsistent(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		other := model.SessionKey{DocumentID: f.doc.ID, ThreadID: "thread-2"}

		_, err := f.svc.Ingest(ctx, f.key, call("c1", command.CreateItem, `{"title":"B","position":1}`), nil)
		require.NoError(t, err)
		_, err = f.svc.Ingest(ctx, other, call("c1", command.CreateItem, `{"title":"C","position":0}`), nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, key := range []model.SessionKey{f.key, other} {
			wg.Add(1)
			go func(key model.SessionKey) {
				defer wg.Done()
				res, err := f.svc.Decide(ctx, key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
				assert.NoError(t, err)
				assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)
			}(key)
		}
		wg.Wait()

		live, err := f.svc.Document(ctx, f.key)
		require.NoError(t, err)
		stored, err := f.mem.LoadDocument(ctx, f.doc.ID)
		require.NoError(t, err)
		require.Len(t, live.Items, 3)
		assert.Equal(t, stored.Items, live.Items)
		assert.Equal(t, stored.Version, live.Version)
		assert.Equal(t, 2, f.mem.Mutations(), "the same call id in two threads is two mutations")
	}
}

func TestDecide_FailingPersistenceDoesNotHoldApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, f.key, call("c1", command.CreateItem, `{"title":"B","position":1}`), nil)
	require.NoError(t, err)
	f.mem.FailNextWrites(1000)

	start := time.Now()
	res, err := f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)

	live, err := f.svc.Document(ctx, f.key)
	require.NoError(t, err)
	assert.Len(t, live.Items, 2)

	stored, err := f.mem.LoadDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 1, "the write is queued for retry")
	unsaved, ok := f.writer.Unsaved(f.doc.ID)
	require.True(t, ok)
	assert.Equal(t, live.Version, unsaved.Version)

	authoritative, err := f.exec.Document(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, live.Items, authoritative.Items)
}

func TestSession_RestoresPendingInvocationsAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, f.key, frames(
		call("c1", command.CreateItem, `{"title":"B","position":1}`),
		call("c2", command.UpdateSettings, `{"theme":"ocean"}`),
	), nil)
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c2", Decision: model.DecisionRejected})
	require.NoError(t, err)

	restarted := f.restart(t)
	pending, err := restarted.Pending(ctx, f.key)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].ID)
	assert.True(t, pending[0].RequiresApproval)

	res, err := restarted.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)

	live, err := restarted.Document(ctx, f.key)
	require.NoError(t, err)
	require.Len(t, live.Items, 2)
	assert.Equal(t, "B", live.Items[1].Title)

	again := f.restart(t)
	pending, err = again.Pending(ctx, f.key)
	require.NoError(t, err)
	assert.Empty(t, pending, "a decided invocation is not restored")
}

func TestEvict_ClosesOnlyIdleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, f.key, call("c1", command.CreateItem, `{"title":"B","position":1}`), nil)
	require.NoError(t, err)
	assert.Zero(t, f.svc.Evict(0), "a pending invocation keeps its session")

	_, err = f.svc.Decide(ctx, f.key, model.DecisionRequest{InvocationID: "c1", Decision: model.DecisionApproved})
	require.NoError(t, err)
	assert.Zero(t, f.svc.Evict(time.Hour), "recently used")
	assert.Equal(t, 1, f.svc.Evict(0))

	f.svc.mu.Lock()
	assert.Empty(t, f.svc.sessions)
	assert.Empty(t, f.svc.views)
	f.svc.mu.Unlock()

	assert.Empty(t, f.pending(t))
	live, err := f.svc.Document(ctx, f.key)
	require.NoError(t, err)
	assert.Len(t, live.Items, 2, "a reopened view reads the executor's document")

	_, err = f.svc.Ingest(ctx, f.key, call("c2", command.UpdateSettings, `{"theme":"ocean"}`), nil)
	require.NoError(t, err)
	require.Len(t, f.pending(t), 1)
}

func TestRunJanitor_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Pending(context.Background(), f.key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.RunJanitor(ctx, time.Millisecond, 0) }()

	require.Eventually(t, func() bool {
		f.svc.mu.Lock()
		defer f.svc.mu.Unlock()
		return len(f.svc.sessions) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
