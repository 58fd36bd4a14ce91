// Package model defines data structures for the deck assistant.
package model

import (
	"encoding/json"
	"time"
)

// Settings holds presentation-wide settings of a document.
type Settings struct {
	Theme       string `json:"theme,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Item is one slide of a document.
type Item struct {
	ID           string          `json:"id"`
	Position     int             `json:"position"`
	Template     string          `json:"template"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content,omitempty"`
	ImagePending bool            `json:"image_pending,omitempty"`
}

// Document is an ordered slide deck. Items are kept sorted by Position.
type Document struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Title     string    `json:"title"`
	Settings  Settings  `json:"settings"`
	Items     []Item    `json:"items"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Items = CloneItems(d.Items)
	return &c
}

// ItemIndex returns the index of the item with the given id, or -1.
func (d *Document) ItemIndex(id string) int {
	for i := range d.Items {
		if d.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// CloneItems deep-copies a slice of items.
func CloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it
		if it.Content != nil {
			out[i].Content = append(json.RawMessage(nil), it.Content...)
		}
	}
	return out
}

// Mutation is the durable record of one executed command.
type Mutation struct {
	InvocationID string    `json:"invocation_id"`
	Command      string    `json:"command"`
	Title        string    `json:"title"`
	Settings     Settings  `json:"settings"`
	Items        []Item    `json:"items"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateDocumentRequest is the request to create a new document.
type CreateDocumentRequest struct {
	Title    string   `json:"title"`
	Settings Settings `json:"settings"`
}

// ListDocumentsResponse is the response for listing documents.
type ListDocumentsResponse struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	HasMore   bool       `json:"has_more"`
}
