package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
	"github.com/capitalize-ai/deck-assistant/pkg/metrics"
)

// WriterConfig controls retries of persistence writes.
type WriterConfig struct {
	QueueSize       int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// Sync makes one inline attempt per write before queueing it for retry.
	Sync bool
	// SyncTimeout bounds the inline attempt.
	SyncTimeout time.Duration
}

// DefaultWriterConfig returns the default retry policy.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:       256,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		SyncTimeout:     3 * time.Second,
	}
}

type job struct {
	operation string
	run       func(ctx context.Context) error
	saved     func()
}

// Writer hands gateway writes off the approval path. Queued writes are
// applied in submission order and retried with exponential backoff; a write
// that still fails is logged and dropped. Submitting never blocks on the
// gateway: when the queue is full the write is dropped.
//
// Mutations stay visible through Unsaved until they are persisted, so a
// reader that falls back to the store can lay them over what it loaded.
type Writer struct {
	gateway Gateway
	cfg     WriterConfig
	queue   chan job
	logger  *logger.Logger

	mu      sync.Mutex
	pending int
	idle    chan struct{}
	unsaved map[string]model.Mutation
}

// NewWriter creates a writer. Call Run to drain the queue; in sync mode the
// queue only holds writes whose inline attempt failed.
func NewWriter(gw Gateway, cfg WriterConfig, log *logger.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	idle := make(chan struct{})
	close(idle)
	return &Writer{
		gateway: gw,
		cfg:     cfg,
		queue:   make(chan job, cfg.QueueSize),
		idle:    idle,
		unsaved: make(map[string]model.Mutation),
		logger:  log.With(zap.String("component", "persistence_writer")),
	}
}

// SaveMutation queues a document mutation.
func (w *Writer) SaveMutation(documentID string, m model.Mutation) {
	w.mu.Lock()
	if cur, ok := w.unsaved[documentID]; !ok || m.Version >= cur.Version {
		w.unsaved[documentID] = m
	}
	w.mu.Unlock()

	w.submit(job{
		operation: "save_mutation",
		run: func(ctx context.Context) error {
			return w.gateway.SaveDocumentMutation(ctx, documentID, m)
		},
		saved: func() {
			w.mu.Lock()
			if cur, ok := w.unsaved[documentID]; ok && cur.Version <= m.Version {
				delete(w.unsaved, documentID)
			}
			w.mu.Unlock()
		},
	})
}

// Unsaved returns the newest mutation of documentID that has not been
// persisted. Mutations whose write was abandoned stay here.
func (w *Writer) Unsaved(documentID string) (model.Mutation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.unsaved[documentID]
	if !ok {
		return model.Mutation{}, false
	}
	m.Items = model.CloneItems(m.Items)
	return m, true
}

// AppendMessage queues a transcript message.
func (w *Writer) AppendMessage(key model.SessionKey, role model.Role, content string, toolCalls []model.ToolInvocation) {
	w.submit(job{
		operation: "append_message",
		run: func(ctx context.Context) error {
			_, err := w.gateway.AppendMessage(ctx, key, role, content, toolCalls)
			return err
		},
	})
}

// Submit queues an arbitrary write under the same retry policy.
func (w *Writer) Submit(operation string, run func(ctx context.Context) error) {
	w.submit(job{operation: operation, run: run})
}

func (w *Writer) submit(j job) {
	w.begin()
	if w.cfg.Sync {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SyncTimeout)
		err := j.run(ctx)
		cancel()
		if err == nil {
			w.succeeded(j)
			w.end()
			return
		}
		if errors.Is(err, ErrNotFound) {
			w.abandon(j, err)
			w.end()
			return
		}
		metrics.PersistenceAttempts.WithLabelValues(j.operation, "retry").Inc()
		w.logger.Warn("inline persistence write failed, queueing retry",
			zap.String("operation", j.operation),
			zap.Error(err),
		)
	}
	select {
	case w.queue <- j:
	default:
		metrics.PersistenceAttempts.WithLabelValues(j.operation, "dropped").Inc()
		w.logger.Error("persistence queue full, write dropped",
			zap.String("operation", j.operation),
			zap.Int("queue_size", w.cfg.QueueSize),
		)
		w.end()
	}
}

func (w *Writer) begin() {
	w.mu.Lock()
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
	w.mu.Unlock()
}

func (w *Writer) end() {
	w.mu.Lock()
	w.pending--
	if w.pending == 0 {
		close(w.idle)
	}
	w.mu.Unlock()
}

// Run drains the queue until ctx is cancelled, then finishes queued writes
// with a fresh context.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case j := <-w.queue:
			w.execute(ctx, j)
			w.end()
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case j := <-w.queue:
			w.execute(ctx, j)
			w.end()
		default:
			return
		}
	}
}

// Flush waits until every submitted write has completed or ctx ends.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) execute(ctx context.Context, j job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	b.MaxElapsedTime = w.cfg.MaxElapsedTime

	op := func() error {
		err := j.run(ctx)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.PersistenceAttempts.WithLabelValues(j.operation, "retry").Inc()
		w.logger.Warn("persistence write failed, retrying",
			zap.String("operation", j.operation),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		w.abandon(j, err)
		return
	}
	w.succeeded(j)
}

func (w *Writer) succeeded(j job) {
	metrics.PersistenceAttempts.WithLabelValues(j.operation, "ok").Inc()
	if j.saved != nil {
		j.saved()
	}
}

func (w *Writer) abandon(j job, err error) {
	metrics.PersistenceAttempts.WithLabelValues(j.operation, "failed").Inc()
	w.logger.Error("persistence write abandoned",
		zap.String("operation", j.operation),
		zap.Error(err),
	)
}
