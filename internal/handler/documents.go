// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/middleware"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/service"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

// DocumentHandler handles document endpoints.
type DocumentHandler struct {
	service *service.DocumentService
	logger  *logger.Logger
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(svc *service.DocumentService, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/documents
func (h *DocumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req model.CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.service.Create(ctx, tenantID, &req)
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// List handles GET /api/v1/documents
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	limit := queryInt(r, "limit", 20, 1, 100)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	resp, err := h.service.List(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/documents/:id
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	documentID := chi.URLParam(r, "id")

	if err := middleware.ValidateDocumentID(documentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.service.Get(ctx, tenantID, documentID)
	if errors.Is(err, service.ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get document", zap.String("document_id", documentID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get document")
		return
	}

	writeJSON(w, http.StatusOK, doc)
}
