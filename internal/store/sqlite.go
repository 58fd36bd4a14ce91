package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/capitalize-ai/deck-assistant/internal/model"
)

// DocumentStore keeps documents, items and applied mutations in SQLite.
type DocumentStore struct {
	db *sql.DB
}

// OpenDocumentStore opens (and creates if needed) the database at path.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer connection keeps transactions serialized.
	db.SetMaxOpenConns(1)

	s := &DocumentStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *DocumentStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		theme TEXT NOT NULL DEFAULT '',
		aspect_ratio TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS items (
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		template TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT,
		image_pending INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (document_id, id)
	);

	CREATE TABLE IF NOT EXISTS mutations (
		invocation_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		command TEXT NOT NULL,
		version INTEGER NOT NULL,
		applied INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *DocumentStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateDocument inserts a new document with its items.
func (s *DocumentStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, title, theme, aspect_ratio, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.TenantID, doc.Title, doc.Settings.Theme, doc.Settings.AspectRatio,
		doc.Version, doc.CreatedAt.UTC(), doc.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}

	if err := insertItems(ctx, tx, doc.ID, doc.Items); err != nil {
		return err
	}
	return tx.Commit()
}

// ListDocuments returns a page of a tenant's documents, newest first, and
// the total count. Items are not loaded.
func (s *DocumentStore) ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]model.Document, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = ?`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting documents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, title, theme, aspect_ratio, version, created_at, updated_at
		FROM documents
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	docs := []model.Document{}
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Title, &d.Settings.Theme, &d.Settings.AspectRatio,
			&d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// LoadDocument reads a document and its items in position order.
func (s *DocumentStore) LoadDocument(ctx context.Context, id string) (*model.Document, error) {
	var d model.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, theme, aspect_ratio, version, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &d.TenantID, &d.Title, &d.Settings.Theme, &d.Settings.AspectRatio,
		&d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position, template, title, content, image_pending
		FROM items WHERE document_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it      model.Item
			content sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.Position, &it.Template, &it.Title, &content, &it.ImagePending); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		if content.Valid && content.String != "" {
			it.Content = []byte(content.String)
		}
		d.Items = append(d.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveDocumentMutation records the post-state of one executed command.
// A mutation already recorded for the same invocation is ignored, and so is
// one whose version is not newer than the stored document.
func (s *DocumentStore) SaveDocumentMutation(ctx context.Context, id string, m model.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var seen int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE invocation_id = ?`, m.InvocationID).Scan(&seen)
	if err != nil {
		return fmt.Errorf("checking mutation: %w", err)
	}
	if seen > 0 {
		return nil
	}

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying version: %w", err)
	}

	applied := m.Version > version
	if applied {
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET title = ?, theme = ?, aspect_ratio = ?, version = ?, updated_at = ?
			WHERE id = ?
		`, m.Title, m.Settings.Theme, m.Settings.AspectRatio, m.Version, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("updating document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("clearing items: %w", err)
		}
		if err := insertItems(ctx, tx, id, m.Items); err != nil {
			return err
		}
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutations (invocation_id, document_id, command, version, applied, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.InvocationID, id, m.Command, m.Version, applied, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("recording mutation: %w", err)
	}
	return tx.Commit()
}

// MutationCount returns how many mutations were recorded for a document.
func (s *DocumentStore) MutationCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE document_id = ?`, id).Scan(&n)
	return n, err
}

func insertItems(ctx context.Context, tx *sql.Tx, documentID string, items []model.Item) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (document_id, id, position, template, title, content, image_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		var content sql.NullString
		if len(it.Content) > 0 {
			content = sql.NullString{String: string(it.Content), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, documentID, it.ID, it.Position, it.Template, it.Title,
			content, it.ImagePending); err != nil {
			return fmt.Errorf("inserting item: %w", err)
		}
	}
	return nil
}
