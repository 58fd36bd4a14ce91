// Package deck holds the ordering rules for slide decks.
//
// Every function mutates the given document in place and leaves it unchanged
// when it returns an error. Successful mutations bump Document.Version so two
// copies that apply the same sequence end at the same version.
package deck

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/capitalize-ai/deck-assistant/internal/model"
)

var (
	// ErrItemNotFound is returned when an item id does not belong to the document.
	ErrItemNotFound = errors.New("item not found")

	// ErrLastItem is returned when deleting the only remaining item.
	ErrLastItem = errors.New("cannot delete the last item")

	// ErrDuplicateItem is returned when an item id is already present.
	ErrDuplicateItem = errors.New("item id already exists")
)

// DefaultTemplate is used when a created item names no template.
const DefaultTemplate = "title-and-content"

// Renumber assigns positions 0..n-1 following slice order.
func Renumber(items []model.Item) {
	for i := range items {
		items[i].Position = i
	}
}

// Normalize sorts items by position and renumbers them.
func Normalize(doc *model.Document) {
	sort.SliceStable(doc.Items, func(i, j int) bool {
		return doc.Items[i].Position < doc.Items[j].Position
	})
	Renumber(doc.Items)
}

// Validate checks the non-empty and contiguity invariants.
func Validate(doc *model.Document) error {
	if len(doc.Items) == 0 {
		return fmt.Errorf("document %s has no items", doc.ID)
	}
	seen := make(map[string]struct{}, len(doc.Items))
	for i, it := range doc.Items {
		if it.Position != i {
			return fmt.Errorf("document %s: item %s at index %d has position %d", doc.ID, it.ID, i, it.Position)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("document %s: duplicate item %s", doc.ID, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Create inserts item at position (nil appends), clamped to [0, n].
// It returns the final position.
func Create(doc *model.Document, item model.Item, position *int) (int, error) {
	if doc.ItemIndex(item.ID) >= 0 {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}
	if item.Template == "" {
		item.Template = DefaultTemplate
	}
	pos := len(doc.Items)
	if position != nil {
		pos = clamp(*position, 0, len(doc.Items))
	}

	items := make([]model.Item, 0, len(doc.Items)+1)
	items = append(items, doc.Items[:pos]...)
	items = append(items, item)
	items = append(items, doc.Items[pos:]...)
	Renumber(items)

	doc.Items = items
	doc.Version++
	return pos, nil
}

// Delete removes an item and closes the gap.
func Delete(doc *model.Document, itemID string) (model.Item, error) {
	idx := doc.ItemIndex(itemID)
	if idx < 0 {
		return model.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if len(doc.Items) == 1 {
		return model.Item{}, ErrLastItem
	}
	removed := doc.Items[idx]

	items := make([]model.Item, 0, len(doc.Items)-1)
	items = append(items, doc.Items[:idx]...)
	items = append(items, doc.Items[idx+1:]...)
	Renumber(items)

	doc.Items = items
	doc.Version++
	return removed, nil
}

// Move reinserts an item at newPosition clamped to [0, n-1].
func Move(doc *model.Document, itemID string, newPosition int) (from, to int, err error) {
	from = doc.ItemIndex(itemID)
	if from < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	to = clamp(newPosition, 0, len(doc.Items)-1)

	item := doc.Items[from]
	rest := make([]model.Item, 0, len(doc.Items))
	rest = append(rest, doc.Items[:from]...)
	rest = append(rest, doc.Items[from+1:]...)

	items := make([]model.Item, 0, len(doc.Items))
	items = append(items, rest[:to]...)
	items = append(items, item)
	items = append(items, rest[to:]...)
	Renumber(items)

	doc.Items = items
	doc.Version++
	return from, to, nil
}

// UpdateContent replaces the content (and optionally the title) of an item.
// It returns the previous content.
func UpdateContent(doc *model.Document, itemID string, title *string, content json.RawMessage) (json.RawMessage, error) {
	idx := doc.ItemIndex(itemID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	before := doc.Items[idx].Content
	doc.Items[idx].Content = append(json.RawMessage(nil), content...)
	if title != nil {
		doc.Items[idx].Title = *title
	}
	doc.Version++
	return before, nil
}

// SetTemplate changes the template tag of an item.
func SetTemplate(doc *model.Document, itemID, template string) error {
	idx := doc.ItemIndex(itemID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	doc.Items[idx].Template = template
	doc.Version++
	return nil
}

// SetImagePending toggles the pending-image flag of an item.
func SetImagePending(doc *model.Document, itemID string, pending bool) error {
	idx := doc.ItemIndex(itemID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	doc.Items[idx].ImagePending = pending
	doc.Version++
	return nil
}

// UpdateSettings changes presentation-wide settings. Nil fields are kept.
func UpdateSettings(doc *model.Document, title, theme, aspectRatio *string) {
	if title != nil {
		doc.Title = *title
	}
	if theme != nil {
		doc.Settings.Theme = *theme
	}
	if aspectRatio != nil {
		doc.Settings.AspectRatio = *aspectRatio
	}
	doc.Version++
}

// Outline renders a one-line-per-item summary of the deck.
func Outline(doc *model.Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deck %q (%d slides, theme %q)\n", doc.Title, len(doc.Items), doc.Settings.Theme)
	for _, it := range doc.Items {
		fmt.Fprintf(&sb, "%d. [%s] %s (id=%s)\n", it.Position+1, it.Template, it.Title, it.ID)
	}
	return sb.String()
}
