package command

import (
	"encoding/json"
	"errors"
)

// Command names.
const (
	ListItems         = "listItems"
	GetItemContent    = "getItemContent"
	ResolveItem       = "resolveItem"
	CreateItem        = "createItem"
	DeleteItem        = "deleteItem"
	MoveItem          = "moveItem"
	UpdateItemContent = "updateItemContent"
	SetItemTemplate   = "setItemTemplate"
	SetImagePending   = "setImagePending"
	UpdateSettings    = "updateSettings"
)

// ListItemsInput takes no arguments.
type ListItemsInput struct{}

// GetItemContentInput reads one slide.
type GetItemContentInput struct {
	ItemID string `json:"itemId" validate:"required" jsonschema:"description=Identifier of the slide to read"`
}

// ResolveItemInput finds a slide by its 1-based ordinal.
type ResolveItemInput struct {
	Ordinal int `json:"ordinal" validate:"min=1" jsonschema:"description=1-based slide number as the user sees it,minimum=1"`
}

// CreateItemInput adds a slide.
type CreateItemInput struct {
	Title    string          `json:"title" validate:"required,max=256" jsonschema:"description=Slide title"`
	Template string          `json:"template,omitempty" validate:"omitempty,max=64" jsonschema:"description=Layout template of the slide"`
	Content  json.RawMessage `json:"content,omitempty" jsonschema:"description=Slide content payload (JSON object)"`
	Position *int            `json:"position,omitempty" jsonschema:"description=0-based insert position; appended when omitted"`
}

func (in *CreateItemInput) check() error {
	if len(in.Content) > 0 && !isObject(in.Content) {
		return fieldError("content", "must be a JSON object")
	}
	return nil
}

// DeleteItemInput removes a slide.
type DeleteItemInput struct {
	ItemID string `json:"itemId" validate:"required" jsonschema:"description=Identifier of the slide to delete"`
}

// MoveItemInput reorders a slide.
type MoveItemInput struct {
	ItemID      string `json:"itemId" validate:"required" jsonschema:"description=Identifier of the slide to move"`
	NewPosition *int   `json:"newPosition" validate:"required" jsonschema:"description=0-based target position; clamped to the deck"`
}

// UpdateItemContentInput replaces the content of a slide.
type UpdateItemContentInput struct {
	ItemID  string          `json:"itemId" validate:"required" jsonschema:"description=Identifier of the slide to update"`
	Title   *string         `json:"title,omitempty" validate:"omitempty,max=256" jsonschema:"description=New slide title"`
	Content json.RawMessage `json:"content" jsonschema:"description=New slide content payload (JSON object)"`
}

func (in *UpdateItemContentInput) check() error {
	if len(in.Content) == 0 {
		return fieldError("content", "is required")
	}
	if !isObject(in.Content) {
		return fieldError("content", "must be a JSON object")
	}
	return nil
}

// SetItemTemplateInput changes the layout of a slide.
type SetItemTemplateInput struct {
	ItemID   string `json:"itemId" validate:"required"`
	Template string `json:"template" validate:"required,max=64"`
}

// SetImagePendingInput flags a slide whose image is being generated.
type SetImagePendingInput struct {
	ItemID  string `json:"itemId" validate:"required"`
	Pending *bool  `json:"pending" validate:"required"`
}

// UpdateSettingsInput changes presentation-wide settings.
type UpdateSettingsInput struct {
	Title       *string `json:"title,omitempty" validate:"omitempty,max=256"`
	Theme       *string `json:"theme,omitempty" validate:"omitempty,max=64"`
	AspectRatio *string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=16:9 4:3"`
}

func (in *UpdateSettingsInput) check() error {
	if in.Title == nil && in.Theme == nil && in.AspectRatio == nil {
		return errors.New("at least one setting is required")
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	var v map[string]any
	return json.Unmarshal(raw, &v) == nil && v != nil
}
