// Package store provides durable storage for documents and transcripts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/deck-assistant/internal/model"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Gateway is the persistence boundary of the approval pipeline. Calls may be
// slow or fail; callers never roll back live state because of an error here.
type Gateway interface {
	AppendMessage(ctx context.Context, key model.SessionKey, role model.Role, content string, toolCalls []model.ToolInvocation) (*model.Message, error)
	LoadDocument(ctx context.Context, id string) (*model.Document, error)
	SaveDocumentMutation(ctx context.Context, id string, m model.Mutation) error
}

// DocumentRepository stores documents and their mutation log.
type DocumentRepository interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]model.Document, int, error)
	LoadDocument(ctx context.Context, id string) (*model.Document, error)
	SaveDocumentMutation(ctx context.Context, id string, m model.Mutation) error
}

// Transcript stores conversation messages and session events.
type Transcript interface {
	PublishMessage(ctx context.Context, msg *model.Message) (uint64, error)
	PublishEvent(ctx context.Context, event *model.SessionEvent) (uint64, error)
	GetMessages(ctx context.Context, key model.SessionKey, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error)
	GetEvents(ctx context.Context, key model.SessionKey, afterSequence uint64, limit int) ([]model.SessionEvent, uint64, bool, error)
}

// NewMessage builds a transcript message from flat content and tool calls.
func NewMessage(key model.SessionKey, role model.Role, content string, toolCalls []model.ToolInvocation) *model.Message {
	msg := &model.Message{
		ID:         uuid.New().String(),
		ThreadID:   key.ThreadID,
		DocumentID: key.DocumentID,
		Role:       role,
		CreatedAt:  time.Now(),
	}
	if content != "" {
		msg.Parts = append(msg.Parts, model.Part{Type: model.PartText, Text: content})
	}
	for i := range toolCalls {
		inv := toolCalls[i].Clone()
		msg.Parts = append(msg.Parts, model.Part{Type: model.PartToolInvocation, Invocation: &inv})
	}
	return msg
}

// Composite joins a document repository and a transcript into a Gateway.
type Composite struct {
	Documents  DocumentRepository
	Transcript Transcript
}

// NewComposite creates a gateway over the given stores.
func NewComposite(docs DocumentRepository, transcript Transcript) *Composite {
	return &Composite{Documents: docs, Transcript: transcript}
}

// AppendMessage publishes a message to the transcript.
func (c *Composite) AppendMessage(ctx context.Context, key model.SessionKey, role model.Role, content string, toolCalls []model.ToolInvocation) (*model.Message, error) {
	msg := NewMessage(key, role, content, toolCalls)
	seq, err := c.Transcript.PublishMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.Sequence = seq
	return msg, nil
}

// LoadDocument reads a document.
func (c *Composite) LoadDocument(ctx context.Context, id string) (*model.Document, error) {
	return c.Documents.LoadDocument(ctx, id)
}

// SaveDocumentMutation records an executed mutation.
func (c *Composite) SaveDocumentMutation(ctx context.Context, id string, m model.Mutation) error {
	return c.Documents.SaveDocumentMutation(ctx, id, m)
}
