package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/approval"
	"github.com/capitalize-ai/deck-assistant/internal/middleware"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/service"
	"github.com/capitalize-ai/deck-assistant/internal/stream"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

// maxFrameBody bounds an ingested NDJSON frame body.
const maxFrameBody = 8 << 20

// SessionHandler handles thread endpoints: turns, decisions and views.
type SessionHandler struct {
	sessions  *service.SessionService
	documents *service.DocumentService
	logger    *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionService, documents *service.DocumentService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		documents: documents,
		logger:    log,
	}
}

// sessionKey validates the path and checks that the document belongs to the
// caller's tenant. It writes the error response itself.
func (h *SessionHandler) sessionKey(w http.ResponseWriter, r *http.Request) (model.SessionKey, bool) {
	key := model.SessionKey{
		DocumentID: chi.URLParam(r, "id"),
		ThreadID:   chi.URLParam(r, "threadId"),
	}
	if err := middleware.ValidateDocumentID(key.DocumentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return key, false
	}
	if err := middleware.ValidateThreadID(key.ThreadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return key, false
	}

	ctx := r.Context()
	if _, err := h.documents.Get(ctx, middleware.GetTenantID(ctx), key.DocumentID); err != nil {
		if errors.Is(err, service.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
		} else {
			h.logger.Error("failed to load document", zap.String("document_id", key.DocumentID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load document")
		}
		return key, false
	}
	return key, true
}

// Messages handles GET /api/v1/documents/:id/threads/:threadId/messages
// Supports ?after_sequence=N for resuming from a specific point
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	var afterSequence uint64
	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		if parsed, err := strconv.ParseUint(seq, 10, 64); err == nil {
			afterSequence = parsed
		}
	}
	limit := queryInt(r, "limit", 50, 1, 100)

	resp, err := h.sessions.Transcript(r.Context(), key, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to get messages", zap.String("session", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Turn handles POST /api/v1/documents/:id/threads/:threadId/turns
// The response is an event stream of text, invocation, document, error and
// done events.
func (h *SessionHandler) Turn(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	defer sse.close()

	_, err := h.sessions.StartTurn(r.Context(), key, &req, sse.forward)
	h.finishStream(w, r, sse, key, err)
}

// Ingest handles POST /api/v1/documents/:id/threads/:threadId/frames
// The body is newline-delimited JSON frames produced by an external model.
func (h *SessionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	frames, err := stream.DecodeFrames(http.MaxBytesReader(w, r.Body, maxFrameBody), func(line int, err error) {
		h.logger.Warn("skipping frame line",
			zap.String("session", key.String()),
			zap.Int("line", line),
			zap.Error(err),
		)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame body")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	defer sse.close()

	_, err = h.sessions.Ingest(r.Context(), key, frames, sse.forward)
	h.finishStream(w, r, sse, key, err)
}

func (h *SessionHandler) finishStream(w http.ResponseWriter, r *http.Request, sse *sseWriter, key model.SessionKey, err error) {
	if err == nil || r.Context().Err() != nil {
		return
	}

	if !sse.isOpen() {
		switch {
		case errors.Is(err, service.ErrTurnInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("turn failed", zap.String("session", key.String()), zap.Error(err))
			writeError(w, http.StatusBadGateway, "turn failed")
		}
		return
	}

	h.logger.Warn("turn ended with error", zap.String("session", key.String()), zap.Error(err))
	_ = sse.send(string(service.EventError), &model.ErrorEvent{
		Code:    "stream_error",
		Message: err.Error(),
	})
}

// Pending handles GET /api/v1/documents/:id/threads/:threadId/invocations/pending
func (h *SessionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	pending, err := h.sessions.Pending(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to list pending invocations", zap.String("session", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pending invocations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invocations": pending,
	})
}

// Decide handles POST /api/v1/documents/:id/threads/:threadId/invocations/:invocationId/decision
// A decision on an already resolved invocation is answered with 200 and the
// invocation as resolved by the first decision.
func (h *SessionHandler) Decide(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	invocationID := chi.URLParam(r, "invocationId")
	if err := middleware.ValidateInvocationID(invocationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateDecision(req.Decision); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageID != "" {
		if err := middleware.ValidateInvocationID(req.MessageID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid message ID format")
			return
		}
	}
	req.InvocationID = invocationID

	resp, err := h.sessions.Decide(r.Context(), key, req)
	switch {
	case errors.Is(err, approval.ErrUnknownInvocation):
		writeError(w, http.StatusNotFound, "invocation not found")
		return
	case errors.Is(err, approval.ErrAmbiguousInvocation):
		writeError(w, http.StatusConflict, "invocation id is pending in more than one message; set message_id")
		return
	case errors.Is(err, approval.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("decision failed",
			zap.String("session", key.String()),
			zap.String("invocation_id", invocationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "decision failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Live handles GET /api/v1/documents/:id/threads/:threadId/live
func (h *SessionHandler) Live(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	doc, err := h.sessions.Document(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to load live document", zap.String("session", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load live document")
		return
	}

	writeJSON(w, http.StatusOK, doc)
}
