package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/executor"
	"github.com/capitalize-ai/deck-assistant/internal/llm"
	"github.com/capitalize-ai/deck-assistant/internal/middleware"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/service"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

const testSecret = "handler-secret"

type fakeLLM struct {
	mu     sync.Mutex
	frames []model.Frame
	err    error
}

func (c *fakeLLM) StreamFrames(_ context.Context, _ *llm.CompletionRequest, cb llm.FrameCallback) (*llm.CompletionResponse, error) {
	c.mu.Lock()
	frames, failure := c.frames, c.err
	c.mu.Unlock()
	for _, f := range frames {
		if err := cb(f); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}
	return &llm.CompletionResponse{Model: "fake", StopReason: "end_turn"}, nil
}

func (c *fakeLLM) Name() string     { return "fake" }
func (c *fakeLLM) Models() []string { return []string{"fake"} }

type server struct {
	router http.Handler
	llm    *fakeLLM
	token  string
}

func newServer(t *testing.T, checks ...Check) *server {
	t.Helper()
	log := logger.NewNop()
	mem := store.NewMemory()
	writer := store.NewWriter(mem, store.WriterConfig{Sync: true, MaxElapsedTime: time.Second}, log)
	exec, err := executor.New(mem, writer, executor.NewLocalLocker(), executor.Config{CacheSize: 8}, log)
	require.NoError(t, err)

	client := &fakeLLM{}
	docs := service.NewDocumentService(mem, log)
	sessions := service.NewSessionService(command.NewRegistry(), exec, writer, mem, client, service.SessionConfig{}, log)

	router := NewRouter(
		RouterConfig{JWTSecret: testSecret, RateLimitRequests: 1000},
		NewHealthHandler(checks...),
		NewDocumentHandler(docs, log),
		NewSessionHandler(sessions, docs, log),
		log,
	)

	token, err := middleware.IssueToken(testSecret, "user-1", "tenant-1", nil, time.Hour)
	require.NoError(t, err)
	return &server{router: router, llm: client, token: token}
}

func (s *server) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) createDocument(t *testing.T) model.Document {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/documents", `{"title":"Launch plan"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc model.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			out = append(out, ev)
		}
	}
	return out
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.name
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newServer(t, Check{Name: "store", Check: func(context.Context) error { return errors.New("closed") }})

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store: closed")

	ready := newServer(t)
	rec = httptest.NewRecorder()
	ready.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDocuments(t *testing.T) {
	s := newServer(t)
	doc := s.createDocument(t)
	require.Len(t, doc.Items, 1)

	rec := s.do(t, http.MethodGet, "/api/v1/documents/"+doc.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/documents?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListDocumentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = s.do(t, http.MethodGet, "/api/v1/documents/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/documents/0190f5a4-7c1e-7bb2-9a57-3c4f1f1c2d3e", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	other, err := middleware.IssueToken(testSecret, "user-2", "tenant-2", nil, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID, nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTurnAndDecision(t *testing.T) {
	s := newServer(t)
	doc := s.createDocument(t)
	base := "/api/v1/documents/" + doc.ID + "/threads/main"

	s.llm.frames = []model.Frame{
		{Type: model.FrameTextDelta, Delta: "Adding a closing slide."},
		{Type: model.FrameToolCallOpen, ID: "call_1", Name: command.CreateItem},
		{Type: model.FrameToolCallDelta, ID: "call_1", Delta: `{"title":"Thanks"}`},
		{Type: model.FrameToolCallClose, ID: "call_1"},
	}

	rec := s.do(t, http.MethodPost, base+"/turns", `{"content":"add a closing slide"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	events := parseSSE(rec.Body.String())
	assert.Equal(t, []string{"text", "invocation", "done"}, names(events))

	var inv model.ToolInvocation
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &inv))
	assert.Equal(t, model.StateInputAvailable, inv.State)

	rec = s.do(t, http.MethodGet, base+"/invocations/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"call_1"`)

	rec = s.do(t, http.MethodPost, base+"/invocations/call_1/decision", `{"decision":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res model.DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)

	rec = s.do(t, http.MethodPost, base+"/invocations/call_1/decision", `{"decision":"rejected"}`)
	require.Equal(t, http.StatusOK, rec.Code, "duplicate decisions are not errors")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Applied)
	assert.Equal(t, model.StateOutputAvailable, res.Invocation.State)

	rec = s.do(t, http.MethodGet, base+"/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var live model.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	require.Len(t, live.Items, 2)
	assert.Equal(t, "Thanks", live.Items[1].Title)

	rec = s.do(t, http.MethodGet, base+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var transcript model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &transcript))
	assert.Len(t, transcript.Messages, 2)
}

func TestDecisionErrors(t *testing.T) {
	s := newServer(t)
	doc := s.createDocument(t)
	base := "/api/v1/documents/" + doc.ID + "/threads/main"

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown invocation", base + "/invocations/nope/decision", `{"decision":"approved"}`, http.StatusNotFound},
		{"bad decision", base + "/invocations/nope/decision", `{"decision":"maybe"}`, http.StatusBadRequest},
		{"bad body", base + "/invocations/nope/decision", `{`, http.StatusBadRequest},
		{"bad thread", "/api/v1/documents/" + doc.ID + "/threads/a.b/invocations/x/decision", `{"decision":"approved"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestIngestFrames(t *testing.T) {
	s := newServer(t)
	doc := s.createDocument(t)
	base := "/api/v1/documents/" + doc.ID + "/threads/ext"

	body := strings.Join([]string{
		`{"type":"text-delta","delta":"Looking."}`,
		`not json`,
		`{"type":"tool-call-open","id":"t1","name":"listItems"}`,
		`{"type":"tool-call-close","id":"t1"}`,
		`{"type":"turn-end"}`,
	}, "\n")

	rec := s.do(t, http.MethodPost, base+"/frames", body)
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(rec.Body.String())
	assert.Equal(t, []string{"text", "invocation", "done"}, names(events))

	var inv model.ToolInvocation
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &inv))
	assert.Equal(t, model.StateOutputAvailable, inv.State)
}

func TestTurnFailures(t *testing.T) {
	s := newServer(t)
	doc := s.createDocument(t)
	base := "/api/v1/documents/" + doc.ID + "/threads/main"

	rec := s.do(t, http.MethodPost, base+"/turns", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.llm.err = errors.New("provider down")
	rec = s.do(t, http.MethodPost, base+"/turns", `{"content":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	s.llm.frames = []model.Frame{{Type: model.FrameTextDelta, Delta: "partial"}}
	rec = s.do(t, http.MethodPost, base+"/turns", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"text", "error"}, names(parseSSE(rec.Body.String())))
}

func TestDecision_ReusedCallIDNeedsMessageID(t *testing.T) {
	s := newServer(t)
	doc := s.createDocument(t)
	base := "/api/v1/documents/" + doc.ID + "/threads/main"

	for _, title := range []string{"One", "Two"} {
		s.llm.frames = []model.Frame{
			{Type: model.FrameToolCallOpen, ID: "call_1", Name: command.CreateItem},
			{Type: model.FrameToolCallDelta, ID: "call_1", Delta: `{"title":"` + title + `"}`},
			{Type: model.FrameToolCallClose, ID: "call_1"},
		}
		rec := s.do(t, http.MethodPost, base+"/turns", `{"content":"add a slide"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.do(t, http.MethodGet, base+"/invocations/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Invocations []model.ToolInvocation `json:"invocations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Invocations, 2)

	rec = s.do(t, http.MethodPost, base+"/invocations/call_1/decision", `{"decision":"approved"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/invocations/call_1/decision", `{"decision":"approved","message_id":"a/b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	second := listed.Invocations[1]
	rec = s.do(t, http.MethodPost, base+"/invocations/call_1/decision",
		`{"decision":"approved","message_id":"`+second.MessageID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res model.DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Applied)
	assert.Equal(t, second.MessageID, res.Invocation.MessageID)

	rec = s.do(t, http.MethodGet, base+"/live", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var live model.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	require.Len(t, live.Items, 2)
	assert.Equal(t, "Two", live.Items[1].Title)
}
