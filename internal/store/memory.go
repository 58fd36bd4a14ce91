package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/capitalize-ai/deck-assistant/internal/model"
)

// Memory is an in-process DocumentRepository, Transcript and Gateway.
// It is used in tests and for local runs without NATS.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string]*model.Document
	mutations map[string]model.Mutation // invocation id -> mutation
	messages  []model.Message
	events    []model.SessionEvent
	seq       uint64

	failWrites int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[string]*model.Document),
		mutations: make(map[string]model.Mutation),
	}
}

// FailNextWrites makes the next n mutation or message writes return an error.
func (m *Memory) FailNextWrites(n int) {
	m.mu.Lock()
	m.failWrites = n
	m.mu.Unlock()
}

func (m *Memory) injectedFailure() error {
	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("injected write failure")
	}
	return nil
}

// CreateDocument stores a copy of doc.
func (m *Memory) CreateDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	m.docs[doc.ID] = doc.Clone()
	return nil
}

// ListDocuments returns a tenant's documents, newest first.
func (m *Memory) ListDocuments(_ context.Context, tenantID string, limit, offset int) ([]model.Document, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []model.Document
	for _, d := range m.docs {
		if d.TenantID == tenantID {
			c := *d.Clone()
			c.Items = nil
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []model.Document{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// LoadDocument returns a copy of the stored document.
func (m *Memory) LoadDocument(_ context.Context, id string) (*model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

// SaveDocumentMutation applies the same idempotency and version rules as
// DocumentStore.
func (m *Memory) SaveDocumentMutation(_ context.Context, id string, mut model.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return err
	}
	if _, seen := m.mutations[mut.InvocationID]; seen {
		return nil
	}
	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if mut.Version > d.Version {
		d.Title = mut.Title
		d.Settings = mut.Settings
		d.Items = model.CloneItems(mut.Items)
		d.Version = mut.Version
		d.UpdatedAt = mut.CreatedAt
	}
	m.mutations[mut.InvocationID] = mut
	return nil
}

// Mutations returns the number of recorded mutations.
func (m *Memory) Mutations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mutations)
}

// PublishMessage appends a message to the transcript.
func (m *Memory) PublishMessage(_ context.Context, msg *model.Message) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return 0, err
	}
	m.seq++
	c := msg.Clone()
	c.Sequence = m.seq
	m.messages = append(m.messages, *c)
	return m.seq, nil
}

// PublishEvent appends a session event.
func (m *Memory) PublishEvent(_ context.Context, event *model.SessionEvent) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c := *event
	c.Sequence = m.seq
	m.events = append(m.events, c)
	return m.seq, nil
}

// Events returns the recorded events of a session.
func (m *Memory) Events(key model.SessionKey) []model.SessionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SessionEvent
	for _, e := range m.events {
		if e.DocumentID == key.DocumentID && e.ThreadID == key.ThreadID {
			out = append(out, e)
		}
	}
	return out
}

// GetEvents returns up to limit events of a session after a sequence.
func (m *Memory) GetEvents(_ context.Context, key model.SessionKey, afterSequence uint64, limit int) ([]model.SessionEvent, uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		out  []model.SessionEvent
		last uint64
	)
	for _, e := range m.events {
		if e.DocumentID != key.DocumentID || e.ThreadID != key.ThreadID || e.Sequence <= afterSequence {
			continue
		}
		if len(out) == limit {
			return out, last, true, nil
		}
		if e.Invocation != nil {
			inv := e.Invocation.Clone()
			e.Invocation = &inv
		}
		out = append(out, e)
		last = e.Sequence
	}
	return out, last, false, nil
}

// GetMessages returns up to limit messages of a session after a sequence.
func (m *Memory) GetMessages(_ context.Context, key model.SessionKey, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		out  []model.Message
		last uint64
	)
	for _, msg := range m.messages {
		if msg.DocumentID != key.DocumentID || msg.ThreadID != key.ThreadID || msg.Sequence <= afterSequence {
			continue
		}
		if len(out) == limit {
			return out, last, true, nil
		}
		out = append(out, *msg.Clone())
		last = msg.Sequence
	}
	return out, last, false, nil
}

// AppendMessage implements Gateway.
func (m *Memory) AppendMessage(ctx context.Context, key model.SessionKey, role model.Role, content string, toolCalls []model.ToolInvocation) (*model.Message, error) {
	msg := NewMessage(key, role, content, toolCalls)
	seq, err := m.PublishMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.Sequence = seq
	return msg, nil
}
