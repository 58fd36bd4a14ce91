// Package service provides business logic for the deck assistant.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

// ErrDocumentNotFound is returned for missing documents and documents of another tenant.
var ErrDocumentNotFound = errors.New("document not found")

const defaultDocumentTitle = "Untitled deck"

// DocumentService handles document operations.
type DocumentService struct {
	documents store.DocumentRepository
	logger    *logger.Logger
}

// NewDocumentService creates a new document service.
func NewDocumentService(documents store.DocumentRepository, log *logger.Logger) *DocumentService {
	return &DocumentService{
		documents: documents,
		logger:    log.With(zap.String("component", "document_service")),
	}
}

// Create creates a new document holding a single title slide.
func (s *DocumentService) Create(ctx context.Context, tenantID string, req *model.CreateDocumentRequest) (*model.Document, error) {
	now := time.Now()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultDocumentTitle
	}

	doc := &model.Document{
		ID:       uuid.Must(uuid.NewV7()).String(),
		TenantID: tenantID,
		Title:    title,
		Settings: req.Settings,
		Items: []model.Item{{
			ID:       uuid.Must(uuid.NewV7()).String(),
			Position: 0,
			Template: deck.DefaultTemplate,
			Title:    title,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.documents.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	metrics.DocumentsTotal.WithLabelValues(tenantID).Inc()
	s.logger.Info("document created",
		zap.String("document_id", doc.ID),
		zap.String("tenant_id", tenantID),
	)

	return doc, nil
}

// Get retrieves a document by ID.
func (s *DocumentService) Get(ctx context.Context, tenantID, documentID string) (*model.Document, error) {
	doc, err := s.documents.LoadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	if doc.TenantID != tenantID {
		return nil, ErrDocumentNotFound
	}

	return doc, nil
}

// List retrieves documents for a tenant, newest first.
func (s *DocumentService) List(ctx context.Context, tenantID string, limit, offset int) (*model.ListDocumentsResponse, error) {
	docs, total, err := s.documents.ListDocuments(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	if docs == nil {
		docs = []model.Document{}
	}

	return &model.ListDocumentsResponse{
		Documents: docs,
		Total:     total,
		HasMore:   offset+len(docs) < total,
	}, nil
}
