// Package approval gates tool invocations behind human decisions.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/executor"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
	"github.com/capitalize-ai/deck-assistant/pkg/tracing"
)

// DeniedReason is the error text of a rejected invocation.
const DeniedReason = "denied by user"

var (
	// ErrUnknownInvocation is returned for decisions on an id that was never tracked.
	ErrUnknownInvocation = errors.New("unknown invocation")

	// ErrAmbiguousInvocation is returned when a bare id is pending in more
	// than one message and no message id was given.
	ErrAmbiguousInvocation = errors.New("invocation id is pending in more than one message")

	// ErrNotReady is returned when tracking an invocation whose input is incomplete.
	ErrNotReady = errors.New("invocation input is not available")

	// ErrInvalidDecision is returned for a decision other than approved or rejected.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Executor runs a decoded command.
type Executor interface {
	Execute(ctx context.Context, documentID, invocationID, name string, input any) (executor.Result, error)
}

// Reconciler mirrors a successful invocation into the live document.
type Reconciler interface {
	Apply(inv model.ToolInvocation) (bool, error)
	ApplyCommitted(inv model.ToolInvocation, m model.Mutation) (bool, error)
}

// Listener observes every state change of every invocation.
type Listener func(inv model.ToolInvocation)

type entry struct {
	inv   model.ToolInvocation
	input any
	// announced is closed once listeners have seen the entry as tracked.
	announced chan struct{}
}

// Machine tracks the invocations of one document session. Entries are keyed
// by model.ToolInvocation.Key, since providers only keep call ids unique
// within one message. Pending invocations wait indefinitely; there is no
// decision timeout.
type Machine struct {
	documentID string
	registry   *command.Registry
	exec       Executor
	reconciler Reconciler

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	listeners []Listener
	decisions singleflight.Group

	logger *logger.Logger
}

// New creates a machine for one document.
func New(documentID string, registry *command.Registry, exec Executor, reconciler Reconciler, log *logger.Logger) *Machine {
	return &Machine{
		documentID: documentID,
		registry:   registry,
		exec:       exec,
		reconciler: reconciler,
		entries:    make(map[string]*entry),
		logger:     log.With(zap.String("component", "approval"), zap.String("document_id", documentID)),
	}
}

// OnChange registers a listener. Listeners run synchronously, outside the
// machine's lock, in transition order for a given invocation.
func (m *Machine) OnChange(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Track registers an invocation whose input just became available.
// Unknown commands and invalid input resolve to output-error at once.
// Auto-executing commands run before Track returns; the others stay pending
// until Approve or Reject. Tracking the same key again returns its current
// snapshot.
func (m *Machine) Track(ctx context.Context, inv model.ToolInvocation) (model.ToolInvocation, error) {
	if inv.State != model.StateInputAvailable {
		return inv, fmt.Errorf("%w: %s is %s", ErrNotReady, inv.ID, inv.State)
	}
	key := inv.Key()
	m.mu.Lock()
	if cur, ok := m.entries[key]; ok {
		snapshot := cur.inv.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	e := &entry{inv: inv.Clone(), announced: make(chan struct{})}
	class, known := m.registry.Classify(inv.Name)
	var reason string
	switch {
	case !known:
		reason = fmt.Sprintf("unknown command %q", inv.Name)
	case inv.Input == nil && inv.RawInput != "":
		reason = fmt.Sprintf("invalid input for %s: not valid JSON", inv.Name)
	default:
		input, err := m.registry.Decode(inv.Name, inv.Input)
		if err != nil {
			reason = err.Error()
		}
		e.input = input
		e.inv.RequiresApproval = !class.AutoExecutes
	}
	gated := reason == "" && e.inv.RequiresApproval
	if !gated {
		close(e.announced)
	}

	m.mu.Lock()
	if cur, ok := m.entries[key]; ok {
		snapshot := cur.inv.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	m.entries[key] = e
	m.order = append(m.order, key)
	if gated {
		metrics.InvocationsPending.Inc()
	}
	snapshot := e.inv.Clone()
	m.mu.Unlock()

	switch {
	case reason != "":
		return m.fail(e, nil, reason), nil
	case !gated:
		return m.run(ctx, e), nil
	}

	m.logger.Info("invocation awaiting decision",
		zap.String("invocation_id", key),
		zap.String("command", inv.Name),
	)
	m.notify(snapshot)
	close(e.announced)
	return snapshot, nil
}

// Restore re-registers an invocation that was awaiting a decision when its
// session was last closed. Listeners are not notified. Restoring a key that
// is already tracked is a no-op.
func (m *Machine) Restore(inv model.ToolInvocation) error {
	if inv.State != model.StateInputAvailable || !inv.RequiresApproval {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, inv.Key(), inv.State)
	}
	input, err := m.registry.Decode(inv.Name, inv.Input)
	if err != nil {
		return err
	}
	e := &entry{inv: inv.Clone(), input: input, announced: make(chan struct{})}
	close(e.announced)

	m.mu.Lock()
	defer m.mu.Unlock()
	key := inv.Key()
	if _, ok := m.entries[key]; ok {
		return nil
	}
	m.entries[key] = e
	m.order = append(m.order, key)
	metrics.InvocationsPending.Inc()
	return nil
}

// Approve executes a pending invocation. Only the first decision on an
// invocation takes effect; every other call returns the invocation as
// resolved by the first with Applied false. id is either a key or a bare
// call id.
func (m *Machine) Approve(ctx context.Context, id string) (model.DecisionResponse, error) {
	return m.decide(ctx, "", id, model.DecisionApproved)
}

// Reject resolves a pending invocation to output-error without executing it.
func (m *Machine) Reject(ctx context.Context, id string) (model.DecisionResponse, error) {
	return m.decide(ctx, "", id, model.DecisionRejected)
}

// Decide dispatches a decision request.
func (m *Machine) Decide(ctx context.Context, req model.DecisionRequest) (model.DecisionResponse, error) {
	if !req.Decision.Valid() {
		return model.DecisionResponse{}, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}
	return m.decide(ctx, req.MessageID, req.InvocationID, req.Decision)
}

func (m *Machine) decide(ctx context.Context, messageID, id string, decision model.Decision) (model.DecisionResponse, error) {
	m.mu.Lock()
	key, err := m.findLocked(messageID, id)
	m.mu.Unlock()
	if err != nil {
		return model.DecisionResponse{}, err
	}

	ran := false
	v, err, _ := m.decisions.Do(key, func() (any, error) {
		ran = true
		return m.resolve(ctx, key, decision)
	})
	if err != nil {
		return model.DecisionResponse{}, err
	}

	res := v.(model.DecisionResponse)
	res.Applied = res.Applied && ran
	res.Invocation = res.Invocation.Clone()
	metrics.RecordDecision(string(decision), res.Applied)
	return res, nil
}

// findLocked resolves a decision target to an entry key. A bare id that
// matches several messages resolves to the one still pending, or to the
// latest when none is.
func (m *Machine) findLocked(messageID, id string) (string, error) {
	if messageID != "" {
		key := model.ToolInvocation{ID: id, MessageID: messageID}.Key()
		if _, ok := m.entries[key]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownInvocation, key)
		}
		return key, nil
	}
	if _, ok := m.entries[id]; ok {
		return id, nil
	}

	var matches, pending []string
	for _, key := range m.order {
		e := m.entries[key]
		if e.inv.ID != id {
			continue
		}
		matches = append(matches, key)
		if e.inv.State == model.StateInputAvailable && e.inv.RequiresApproval {
			pending = append(pending, key)
		}
	}
	switch {
	case len(matches) == 0:
		return "", fmt.Errorf("%w: %s", ErrUnknownInvocation, id)
	case len(pending) == 1:
		return pending[0], nil
	case len(pending) > 1:
		return "", fmt.Errorf("%w: %s", ErrAmbiguousInvocation, id)
	}
	return matches[len(matches)-1], nil
}

// resolve claims the invocation with a compare-and-set on its state and, if
// the claim succeeds, carries it to a terminal state.
func (m *Machine) resolve(ctx context.Context, key string, decision model.Decision) (model.DecisionResponse, error) {
	m.mu.Lock()
	e := m.entries[key]
	if e.inv.State != model.StateInputAvailable || !e.inv.RequiresApproval {
		snapshot := e.inv.Clone()
		m.mu.Unlock()
		m.logger.Debug("ignoring decision",
			zap.String("invocation_id", key),
			zap.String("decision", string(decision)),
			zap.String("state", string(snapshot.State)),
		)
		return model.DecisionResponse{Invocation: snapshot}, nil
	}

	target := model.StateApproved
	if decision == model.DecisionRejected {
		target = model.StateRejected
	}
	claimed := m.transitionLocked(e, target)
	m.mu.Unlock()

	metrics.InvocationsPending.Dec()
	<-e.announced
	m.notify(claimed)

	// The decision has been accepted; finish it even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if decision == model.DecisionRejected {
		out, _ := json.Marshal(map[string]string{"error": DeniedReason})
		return model.DecisionResponse{Invocation: m.finish(e, model.StateOutputError, out, DeniedReason), Applied: true}, nil
	}
	return model.DecisionResponse{Invocation: m.run(ctx, e), Applied: true}, nil
}

// run executes the invocation and records its terminal state. The reconciler
// sees a successful invocation before it is published as output-available.
func (m *Machine) run(ctx context.Context, e *entry) model.ToolInvocation {
	m.mu.Lock()
	key, name := e.inv.Key(), e.inv.Name
	m.mu.Unlock()

	ctx, span := tracing.StartInvocationSpan(ctx, "approval.run", m.documentID, key, name)
	defer span.End()

	res, err := m.exec.Execute(ctx, m.documentID, key, name, e.input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("command execution failed",
			zap.String("invocation_id", key),
			zap.String("command", name),
			zap.Error(err),
		)
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return m.finish(e, model.StateOutputError, out, err.Error())
	}
	if !res.Success {
		return m.finish(e, model.StateOutputError, res.Output, res.Reason)
	}

	m.mu.Lock()
	done := e.inv.Clone()
	m.mu.Unlock()
	done.State = model.StateOutputAvailable
	done.Output = res.Output
	if res.Mutation != nil {
		_, err = m.reconciler.ApplyCommitted(done, *res.Mutation)
	} else {
		_, err = m.reconciler.Apply(done)
	}
	if err != nil {
		m.logger.Warn("live document not updated",
			zap.String("invocation_id", key),
			zap.Error(err),
		)
	}
	return m.finish(e, model.StateOutputAvailable, res.Output, "")
}

// fail resolves an invocation that never became decidable.
func (m *Machine) fail(e *entry, output json.RawMessage, reason string) model.ToolInvocation {
	if output == nil {
		output, _ = json.Marshal(map[string]string{"error": reason})
	}
	m.logger.Info("invocation rejected before decision",
		zap.String("invocation_id", e.inv.Key()),
		zap.String("command", e.inv.Name),
		zap.String("reason", reason),
	)
	return m.finish(e, model.StateOutputError, output, reason)
}

func (m *Machine) finish(e *entry, state model.InvocationState, output json.RawMessage, reason string) model.ToolInvocation {
	m.mu.Lock()
	e.inv.Output = output
	e.inv.ErrorText = reason
	snapshot := m.transitionLocked(e, state)
	m.mu.Unlock()

	metrics.InvocationsTotal.WithLabelValues(snapshot.Name, string(snapshot.State)).Inc()
	m.notify(snapshot)
	return snapshot
}

// transitionLocked advances the state, refusing backward moves.
func (m *Machine) transitionLocked(e *entry, target model.InvocationState) model.ToolInvocation {
	next, err := e.inv.State.TransitionTo(target)
	if err != nil {
		m.logger.Error("refusing invocation transition",
			zap.String("invocation_id", e.inv.Key()),
			zap.String("from", string(e.inv.State)),
			zap.String("to", string(target)),
		)
		return e.inv.Clone()
	}
	e.inv.State = next
	e.inv.UpdatedAt = time.Now()
	return e.inv.Clone()
}

func (m *Machine) notify(inv model.ToolInvocation) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(inv.Clone())
	}
}

// Get returns the current snapshot of an invocation by key or bare call id.
func (m *Machine) Get(id string) (model.ToolInvocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := m.findLocked("", id)
	if err != nil {
		return model.ToolInvocation{}, false
	}
	return m.entries[key].inv.Clone(), true
}

// Pending lists invocations awaiting a decision in tracking order.
func (m *Machine) Pending() []model.ToolInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ToolInvocation{}
	for _, key := range m.order {
		e := m.entries[key]
		if e.inv.State == model.StateInputAvailable && e.inv.RequiresApproval {
			out = append(out, e.inv.Clone())
		}
	}
	return out
}

// All lists every tracked invocation in tracking order.
func (m *Machine) All() []model.ToolInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ToolInvocation, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.entries[key].inv.Clone())
	}
	return out
}
