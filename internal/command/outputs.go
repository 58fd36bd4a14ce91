package command

import (
	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/model"
)

// ItemSummary is a slide without its content.
type ItemSummary struct {
	ItemID   string `json:"itemId"`
	Position int    `json:"position"`
	Template string `json:"template"`
	Title    string `json:"title"`
}

// ListItemsOutput is the result of listItems.
type ListItemsOutput struct {
	Items []ItemSummary `json:"items"`
}

// ItemOutput is the result of getItemContent and resolveItem.
type ItemOutput struct {
	Item model.Item `json:"item"`
}

// CreateItemOutput is the result of createItem.
type CreateItemOutput struct {
	Success  bool   `json:"success"`
	ItemID   string `json:"itemId"`
	Position int    `json:"position"`
}

// DeleteItemOutput is the result of deleteItem.
type DeleteItemOutput struct {
	Success bool   `json:"success"`
	ItemID  string `json:"itemId"`
}

// MoveItemOutput is the result of moveItem.
type MoveItemOutput struct {
	Success bool   `json:"success"`
	ItemID  string `json:"itemId"`
	From    int    `json:"from"`
	To      int    `json:"to"`
}

// UpdateItemOutput is the result of updateItemContent, setItemTemplate and setImagePending.
type UpdateItemOutput struct {
	Success bool            `json:"success"`
	ItemID  string          `json:"itemId"`
	Diff    []deck.DiffLine `json:"diff,omitempty"`
}

// UpdateSettingsOutput is the result of updateSettings.
type UpdateSettingsOutput struct {
	Success  bool           `json:"success"`
	Title    string         `json:"title"`
	Settings model.Settings `json:"settings"`
}

// FailureOutput is the result of a command that could not be applied.
type FailureOutput struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// Summaries converts document items to summaries.
func Summaries(items []model.Item) []ItemSummary {
	out := make([]ItemSummary, len(items))
	for i, it := range items {
		out[i] = ItemSummary{ItemID: it.ID, Position: it.Position, Template: it.Template, Title: it.Title}
	}
	return out
}
