// Package executor applies commands to the authoritative copy of a document.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
	"github.com/capitalize-ai/deck-assistant/pkg/tracing"
)

// ErrUnsupportedInput is returned when the input type matches no command.
var ErrUnsupportedInput = errors.New("unsupported command input")

// Result is the outcome of one execution. A business failure is a Result
// with Success false, never an error.
type Result struct {
	Success  bool
	Output   json.RawMessage
	Reason   string
	Mutation *model.Mutation
}

// DocumentLoader reads the durable copy of a document.
type DocumentLoader interface {
	LoadDocument(ctx context.Context, id string) (*model.Document, error)
}

// MutationSink receives executed mutations for persistence. Saving never
// blocks on the store.
type MutationSink interface {
	SaveMutation(documentID string, m model.Mutation)
	// Unsaved returns the newest mutation of a document that has not been
	// persisted yet.
	Unsaved(documentID string) (model.Mutation, bool)
}

// Config configures an Executor.
type Config struct {
	// CacheSize is the number of documents kept in memory. Zero disables the
	// cache so every execution reloads from the loader.
	CacheSize int
}

// Executor is the single writer of authoritative document state.
type Executor struct {
	loader DocumentLoader
	sink   MutationSink
	locker Locker
	cache  *lru.Cache
	newID  func() string
	logger *logger.Logger
}

// New creates an executor.
func New(loader DocumentLoader, sink MutationSink, locker Locker, cfg Config, log *logger.Logger) (*Executor, error) {
	e := &Executor{
		loader: loader,
		sink:   sink,
		locker: locker,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		logger: log.With(zap.String("component", "executor")),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create document cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Execute runs one command against the document. Executions on the same
// document are serialized. input must be a value returned by
// command.Registry.Decode for name.
func (e *Executor) Execute(ctx context.Context, documentID, invocationID, name string, input any) (Result, error) {
	ctx, span := tracing.StartInvocationSpan(ctx, "executor.Execute", documentID, invocationID, name)
	defer span.End()
	start := time.Now()

	res, err := e.execute(ctx, documentID, invocationID, name, input)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		outcome = "failure"
		span.SetStatus(codes.Error, res.Reason)
	}
	metrics.ExecutorDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (e *Executor) execute(ctx context.Context, documentID, invocationID, name string, input any) (Result, error) {
	lease, err := e.locker.Lock(ctx, documentID)
	if err != nil {
		return Result{}, err
	}
	defer lease.Unlock()

	current, err := e.load(ctx, documentID)
	if err != nil {
		return Result{}, err
	}

	doc := current.Clone()
	output, mutated, err := e.apply(doc, input)
	if err != nil {
		if errors.Is(err, ErrUnsupportedInput) {
			return Result{}, err
		}
		e.logger.Info("command refused",
			zap.String("document_id", documentID),
			zap.String("invocation_id", invocationID),
			zap.String("command", name),
			zap.Error(err),
		)
		return failure(err.Error()), nil
	}

	out, err := json.Marshal(output)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal %s output: %w", name, err)
	}
	res := Result{Success: true, Output: out}
	if !mutated {
		return res, nil
	}
	if err := lease.Check(ctx); err != nil {
		return Result{}, err
	}

	now := time.Now()
	doc.UpdatedAt = now
	if e.cache != nil {
		e.cache.Add(documentID, doc)
	}

	mutation := model.Mutation{
		InvocationID: invocationID,
		Command:      name,
		Title:        doc.Title,
		Settings:     doc.Settings,
		Items:        model.CloneItems(doc.Items),
		Version:      doc.Version,
		CreatedAt:    now,
	}
	e.sink.SaveMutation(documentID, mutation)
	res.Mutation = &mutation

	e.logger.Debug("command executed",
		zap.String("document_id", documentID),
		zap.String("invocation_id", invocationID),
		zap.String("command", name),
		zap.Int64("version", doc.Version),
	)
	return res, nil
}

// Document returns a copy of the authoritative document.
func (e *Executor) Document(ctx context.Context, documentID string) (*model.Document, error) {
	lease, err := e.locker.Lock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer lease.Unlock()

	doc, err := e.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// load returns the cached document or reads the durable copy. Mutations the
// sink has not persisted yet are laid over the durable copy, so a slow or
// failing store never makes an execution see an older document.
// The caller holds the document lock and must not modify the result.
func (e *Executor) load(ctx context.Context, documentID string) (*model.Document, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(documentID); ok {
			return v.(*model.Document), nil
		}
	}
	doc, err := e.loader.LoadDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if m, ok := e.sink.Unsaved(documentID); ok && m.Version > doc.Version {
		doc.Title = m.Title
		doc.Settings = m.Settings
		doc.Items = model.CloneItems(m.Items)
		doc.Version = m.Version
		doc.UpdatedAt = m.CreatedAt
	}
	deck.Normalize(doc)
	if e.cache != nil {
		e.cache.Add(documentID, doc)
	}
	return doc, nil
}

// apply runs the routine for input against doc. It reports whether doc was
// mutated. Errors other than ErrUnsupportedInput are business failures.
func (e *Executor) apply(doc *model.Document, input any) (any, bool, error) {
	switch in := input.(type) {
	case *command.ListItemsInput:
		return command.ListItemsOutput{Items: command.Summaries(doc.Items)}, false, nil

	case *command.GetItemContentInput:
		idx := doc.ItemIndex(in.ItemID)
		if idx < 0 {
			return nil, false, fmt.Errorf("%w: %s", deck.ErrItemNotFound, in.ItemID)
		}
		return command.ItemOutput{Item: doc.Items[idx]}, false, nil

	case *command.ResolveItemInput:
		if in.Ordinal > len(doc.Items) {
			return nil, false, fmt.Errorf("no slide %d, the deck has %d", in.Ordinal, len(doc.Items))
		}
		return command.ItemOutput{Item: doc.Items[in.Ordinal-1]}, false, nil

	case *command.CreateItemInput:
		item := model.Item{
			ID:       e.newID(),
			Template: in.Template,
			Title:    in.Title,
			Content:  in.Content,
		}
		pos, err := deck.Create(doc, item, in.Position)
		if err != nil {
			return nil, false, err
		}
		return command.CreateItemOutput{Success: true, ItemID: item.ID, Position: pos}, true, nil

	case *command.DeleteItemInput:
		if _, err := deck.Delete(doc, in.ItemID); err != nil {
			return nil, false, err
		}
		return command.DeleteItemOutput{Success: true, ItemID: in.ItemID}, true, nil

	case *command.MoveItemInput:
		from, to, err := deck.Move(doc, in.ItemID, *in.NewPosition)
		if err != nil {
			return nil, false, err
		}
		return command.MoveItemOutput{Success: true, ItemID: in.ItemID, From: from, To: to}, true, nil

	case *command.UpdateItemContentInput:
		before, err := deck.UpdateContent(doc, in.ItemID, in.Title, in.Content)
		if err != nil {
			return nil, false, err
		}
		return command.UpdateItemOutput{
			Success: true,
			ItemID:  in.ItemID,
			Diff:    deck.ContentDiff(before, in.Content),
		}, true, nil

	case *command.SetItemTemplateInput:
		if err := deck.SetTemplate(doc, in.ItemID, in.Template); err != nil {
			return nil, false, err
		}
		return command.UpdateItemOutput{Success: true, ItemID: in.ItemID}, true, nil

	case *command.SetImagePendingInput:
		if err := deck.SetImagePending(doc, in.ItemID, *in.Pending); err != nil {
			return nil, false, err
		}
		return command.UpdateItemOutput{Success: true, ItemID: in.ItemID}, true, nil

	case *command.UpdateSettingsInput:
		deck.UpdateSettings(doc, in.Title, in.Theme, in.AspectRatio)
		return command.UpdateSettingsOutput{Success: true, Title: doc.Title, Settings: doc.Settings}, true, nil

	default:
		return nil, false, fmt.Errorf("%w: %T", ErrUnsupportedInput, input)
	}
}

func failure(reason string) Result {
	out, _ := json.Marshal(command.FailureOutput{Success: false, Reason: reason})
	return Result{Success: false, Output: out, Reason: reason}
}
