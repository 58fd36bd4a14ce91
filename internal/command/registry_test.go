package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		auto bool
	}{
		{ListItems, true},
		{GetItemContent, true},
		{ResolveItem, true},
		{CreateItem, false},
		{DeleteItem, false},
		{MoveItem, false},
		{UpdateItemContent, false},
		{SetItemTemplate, false},
		{SetImagePending, false},
		{UpdateSettings, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := r.Classify(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.auto, c.AutoExecutes)
		})
	}

	_, ok := r.Classify("dropTable")
	assert.False(t, ok)
}

func TestDecode_Valid(t *testing.T) {
	r := NewRegistry()

	in, err := r.Decode(CreateItem, json.RawMessage(`{"title":"B","position":1}`))
	require.NoError(t, err)
	create := in.(*CreateItemInput)
	assert.Equal(t, "B", create.Title)
	require.NotNil(t, create.Position)
	assert.Equal(t, 1, *create.Position)

	in, err = r.Decode(MoveItem, json.RawMessage(`{"itemId":"a","newPosition":0}`))
	require.NoError(t, err)
	assert.Equal(t, 0, *in.(*MoveItemInput).NewPosition)

	in, err = r.Decode(ListItems, nil)
	require.NoError(t, err)
	assert.IsType(t, &ListItemsInput{}, in)
}

func TestDecode_Invalid(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name    string
		command string
		input   string
		field   string
	}{
		{"missing title", CreateItem, `{"position":1}`, "title"},
		{"content not object", CreateItem, `{"title":"x","content":"str"}`, "content"},
		{"missing newPosition", MoveItem, `{"itemId":"a"}`, "newPosition"},
		{"ordinal zero", ResolveItem, `{"ordinal":0}`, "ordinal"},
		{"missing pending", SetImagePending, `{"itemId":"a"}`, "pending"},
		{"bad aspect ratio", UpdateSettings, `{"aspectRatio":"1:1"}`, "aspectRatio"},
		{"update without content", UpdateItemContent, `{"itemId":"a"}`, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Decode(tt.command, json.RawMessage(tt.input))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.command, verr.Command)
			require.NotEmpty(t, verr.Fields)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
}

func TestDecode_RejectsUnknownFieldsAndBadJSON(t *testing.T) {
	r := NewRegistry()

	_, err := r.Decode(DeleteItem, json.RawMessage(`{"itemId":"a","force":true}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "force")

	_, err = r.Decode(DeleteItem, json.RawMessage(`{"itemId":`))
	require.ErrorAs(t, err, &verr)

	_, err = r.Decode(UpdateSettings, json.RawMessage(`{}`))
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "at least one setting")
}

func TestDecode_UnknownCommand(t *testing.T) {
	_, err := NewRegistry().Decode("formatDisk", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDefinitions(t *testing.T) {
	r := NewRegistry()
	defs := r.Definitions()
	require.Len(t, defs, len(r.Names()))

	for _, d := range defs {
		var schema map[string]any
		require.NoError(t, json.Unmarshal(d.Parameters, &schema), d.Name)
		assert.Equal(t, "object", schema["type"], d.Name)
		assert.NotEmpty(t, d.Description)
	}

	spec, ok := r.Lookup(CreateItem)
	require.True(t, ok)
	assert.Contains(t, spec.Schema.Required, "title")
}
