// Package command declares the commands the assistant can propose, their
// input schemas and whether they need a human decision before running.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// ErrUnknownCommand is returned for a command name missing from the registry.
var ErrUnknownCommand = errors.New("unknown command")

// Classification tells the approval gate how to treat a command.
type Classification struct {
	AutoExecutes bool `json:"autoExecutes"`
}

// Spec describes one command.
type Spec struct {
	Name         string
	Description  string
	AutoExecutes bool
	Schema       *jsonschema.Schema

	newInput func() any
}

// Definition is a command exposed to the model as a callable tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FieldError is one failed constraint of a command input.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned when a command input fails its schema.
type ValidationError struct {
	Command string       `json:"command"`
	Fields  []FieldError `json:"fields,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields)+1)
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Reason)
	}
	return fmt.Sprintf("invalid input for %s: %s", e.Command, strings.Join(parts, "; "))
}

type inputChecker interface {
	check() error
}

type fieldErr FieldError

func (e fieldErr) Error() string { return e.Field + " " + e.Reason }

func fieldError(field, reason string) error { return fieldErr{Field: field, Reason: reason} }

var builtins = []Spec{
	{Name: ListItems, AutoExecutes: true, Description: "List the slides of the deck in order.",
		newInput: func() any { return &ListItemsInput{} }},
	{Name: GetItemContent, AutoExecutes: true, Description: "Read the full content of one slide.",
		newInput: func() any { return &GetItemContentInput{} }},
	{Name: ResolveItem, AutoExecutes: true, Description: "Find a slide by its 1-based number.",
		newInput: func() any { return &ResolveItemInput{} }},
	{Name: CreateItem, Description: "Add a new slide to the deck.",
		newInput: func() any { return &CreateItemInput{} }},
	{Name: DeleteItem, Description: "Delete a slide. The last slide cannot be deleted.",
		newInput: func() any { return &DeleteItemInput{} }},
	{Name: MoveItem, Description: "Move a slide to a new position.",
		newInput: func() any { return &MoveItemInput{} }},
	{Name: UpdateItemContent, Description: "Replace the content of a slide.",
		newInput: func() any { return &UpdateItemContentInput{} }},
	{Name: SetItemTemplate, Description: "Change the layout template of a slide.",
		newInput: func() any { return &SetItemTemplateInput{} }},
	{Name: SetImagePending, Description: "Mark a slide as waiting for a generated image.",
		newInput: func() any { return &SetImagePendingInput{} }},
	{Name: UpdateSettings, Description: "Change the deck title, theme or aspect ratio.",
		newInput: func() any { return &UpdateSettingsInput{} }},
}

// Registry is the static command table. It is built once at startup and is
// safe for concurrent use because it is never modified afterwards.
type Registry struct {
	specs    map[string]*Spec
	names    []string
	validate *validator.Validate
}

// NewRegistry builds the registry and reflects every input schema.
func NewRegistry() *Registry {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	r := &Registry{
		specs:    make(map[string]*Spec, len(builtins)),
		validate: validate,
	}
	for i := range builtins {
		spec := builtins[i]
		spec.Schema = reflector.Reflect(spec.newInput())
		spec.Schema.Version = ""
		spec.Schema.Description = spec.Description
		r.specs[spec.Name] = &spec
		r.names = append(r.names, spec.Name)
	}
	sort.Strings(r.names)
	return r
}

// Classify reports whether a command executes without a human decision.
func (r *Registry) Classify(name string) (Classification, bool) {
	spec, ok := r.specs[name]
	if !ok {
		return Classification{}, false
	}
	return Classification{AutoExecutes: spec.AutoExecutes}, true
}

// Lookup returns the spec of a command.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Decode strictly parses and validates the input of a command. The returned
// value is a pointer to the command's input struct.
func (r *Registry) Decode(name string, raw json.RawMessage) (any, error) {
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	in := spec.newInput()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, &ValidationError{Command: name, Detail: err.Error()}
	}

	if err := r.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			verr := &ValidationError{Command: name}
			for _, fe := range verrs {
				verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Reason: reason(fe)})
			}
			return nil, verr
		}
		return nil, &ValidationError{Command: name, Detail: err.Error()}
	}

	if c, ok := in.(inputChecker); ok {
		if err := c.check(); err != nil {
			var fe fieldErr
			if errors.As(err, &fe) {
				return nil, &ValidationError{Command: name, Fields: []FieldError{FieldError(fe)}}
			}
			return nil, &ValidationError{Command: name, Detail: err.Error()}
		}
	}
	return in, nil
}

// Definitions returns every command as a tool definition for the model.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		spec := r.specs[name]
		params, err := json.Marshal(spec.Schema)
		if err != nil {
			params = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, Definition{Name: spec.Name, Description: spec.Description, Parameters: params})
	}
	return defs
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
