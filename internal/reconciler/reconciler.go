// Package reconciler mirrors executed commands into the live document view.
package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

// ErrMissingOutput is returned when a createItem invocation carries no item id.
var ErrMissingOutput = errors.New("invocation output has no item id")

// Listener receives a copy of the live document after every change.
type Listener func(doc *model.Document)

// Reconciler owns the live copy of one document. Each invocation key is
// applied at most once, so re-delivered transcripts leave the view unchanged.
type Reconciler struct {
	mu        sync.RWMutex
	doc       *model.Document
	applied   map[string]struct{}
	registry  *command.Registry
	listeners map[int]Listener
	nextID    int
	logger    *logger.Logger
}

// New creates a reconciler over a copy of doc.
func New(doc *model.Document, registry *command.Registry, log *logger.Logger) *Reconciler {
	live := doc.Clone()
	deck.Normalize(live)
	return &Reconciler{
		doc:       live,
		applied:   make(map[string]struct{}),
		registry:  registry,
		listeners: make(map[int]Listener),
		logger:    log.With(zap.String("component", "reconciler"), zap.String("document_id", doc.ID)),
	}
}

// Apply mirrors an executed invocation. It reports whether the live document
// changed. Invocations that are not output-available, read-only commands and
// invocations seen before are no-ops.
func (r *Reconciler) Apply(inv model.ToolInvocation) (bool, error) {
	r.mu.Lock()
	applied, snapshot, err := r.applyLocked(inv)
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if applied {
		for _, l := range listeners {
			l(snapshot.Clone())
		}
	}
	return applied, err
}

// ApplyCommitted mirrors an invocation whose execution committed m. Commits
// may arrive out of order when several threads edit the document: a commit
// the view already includes is skipped, and a commit that skips versions
// replaces the view with its snapshot.
func (r *Reconciler) ApplyCommitted(inv model.ToolInvocation, m model.Mutation) (bool, error) {
	r.mu.Lock()
	changed, snapshot := r.commitLocked(inv, m)
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if changed {
		for _, l := range listeners {
			l(snapshot.Clone())
		}
	}
	return changed, nil
}

// Replay applies invocations in order and returns how many changed the
// document. Every invocation is attempted; errors are joined.
func (r *Reconciler) Replay(invs []model.ToolInvocation) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, inv := range invs {
		ok, err := r.Apply(inv)
		if err != nil {
			errs = append(errs, fmt.Errorf("invocation %s: %w", inv.ID, err))
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Document returns a copy of the live document.
func (r *Reconciler) Document() *model.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.Clone()
}

// Applied reports whether an invocation key was already observed.
func (r *Reconciler) Applied(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.applied[key]
	return ok
}

// Subscribe registers a listener and returns a function that removes it.
func (r *Reconciler) Subscribe(l Listener) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *Reconciler) applyLocked(inv model.ToolInvocation) (bool, *model.Document, error) {
	if inv.State != model.StateOutputAvailable {
		metrics.ReconcilerApplies.WithLabelValues("skipped").Inc()
		return false, nil, nil
	}
	key := inv.Key()
	if _, seen := r.applied[key]; seen {
		metrics.ReconcilerApplies.WithLabelValues("duplicate").Inc()
		return false, nil, nil
	}
	class, ok := r.registry.Classify(inv.Name)
	if !ok {
		r.applied[key] = struct{}{}
		metrics.ReconcilerApplies.WithLabelValues("error").Inc()
		return false, nil, fmt.Errorf("%w: %q", command.ErrUnknownCommand, inv.Name)
	}
	if class.AutoExecutes {
		r.applied[key] = struct{}{}
		metrics.ReconcilerApplies.WithLabelValues("read_only").Inc()
		return false, nil, nil
	}

	// A failed mirror is still recorded so re-observation stays a no-op.
	r.applied[key] = struct{}{}

	next := r.doc.Clone()
	if err := r.mirror(next, inv); err != nil {
		metrics.ReconcilerApplies.WithLabelValues("error").Inc()
		r.logger.Warn("live document diverged from executor",
			zap.String("invocation_id", key),
			zap.String("command", inv.Name),
			zap.Error(err),
		)
		return false, nil, err
	}
	r.doc = next
	metrics.ReconcilerApplies.WithLabelValues("applied").Inc()
	return true, next, nil
}

func (r *Reconciler) commitLocked(inv model.ToolInvocation, m model.Mutation) (bool, *model.Document) {
	key := inv.Key()
	if _, seen := r.applied[key]; seen {
		metrics.ReconcilerApplies.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	r.applied[key] = struct{}{}

	switch {
	case m.Version <= r.doc.Version:
		metrics.ReconcilerApplies.WithLabelValues("superseded").Inc()
		return false, nil

	case m.Version == r.doc.Version+1:
		next := r.doc.Clone()
		err := r.mirror(next, inv)
		if err == nil && next.Version == m.Version {
			r.doc = next
			metrics.ReconcilerApplies.WithLabelValues("applied").Inc()
			return true, next
		}
		r.logger.Warn("live document diverged from executor, adopting commit",
			zap.String("invocation_id", key),
			zap.String("command", inv.Name),
			zap.Int64("version", m.Version),
			zap.Error(err),
		)
		metrics.ReconcilerApplies.WithLabelValues("adopted").Inc()

	default:
		metrics.ReconcilerApplies.WithLabelValues("fast_forward").Inc()
	}

	next := r.doc.Clone()
	next.Title = m.Title
	next.Settings = m.Settings
	next.Items = model.CloneItems(m.Items)
	next.Version = m.Version
	next.UpdatedAt = m.CreatedAt
	r.doc = next
	return true, next
}

func (r *Reconciler) mirror(doc *model.Document, inv model.ToolInvocation) error {
	input, err := r.registry.Decode(inv.Name, inv.Input)
	if err != nil {
		return err
	}

	switch in := input.(type) {
	case *command.CreateItemInput:
		var out command.CreateItemOutput
		if err := json.Unmarshal(inv.Output, &out); err != nil || out.ItemID == "" {
			return ErrMissingOutput
		}
		_, err := deck.Create(doc, model.Item{
			ID:       out.ItemID,
			Template: in.Template,
			Title:    in.Title,
			Content:  in.Content,
		}, in.Position)
		return err

	case *command.DeleteItemInput:
		_, err := deck.Delete(doc, in.ItemID)
		return err

	case *command.MoveItemInput:
		_, _, err := deck.Move(doc, in.ItemID, *in.NewPosition)
		return err

	case *command.UpdateItemContentInput:
		_, err := deck.UpdateContent(doc, in.ItemID, in.Title, in.Content)
		return err

	case *command.SetItemTemplateInput:
		return deck.SetTemplate(doc, in.ItemID, in.Template)

	case *command.SetImagePendingInput:
		return deck.SetImagePending(doc, in.ItemID, *in.Pending)

	case *command.UpdateSettingsInput:
		deck.UpdateSettings(doc, in.Title, in.Theme, in.AspectRatio)
		return nil

	default:
		return fmt.Errorf("no live mirror for %s", inv.Name)
	}
}
