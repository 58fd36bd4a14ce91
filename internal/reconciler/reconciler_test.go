package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/deck"
	"github.com/capitalize-ai/deck-assistant/internal/executor"
	"github.com/capitalize-ai/deck-assistant/internal/model"
	"github.com/capitalize-ai/deck-assistant/internal/store"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

var registry = command.NewRegistry()

func document(ids ...string) *model.Document {
	doc := &model.Document{ID: "doc-1", Title: "Deck"}
	for i, id := range ids {
		doc.Items = append(doc.Items, model.Item{ID: id, Position: i, Template: deck.DefaultTemplate, Title: id})
	}
	return doc
}

func done(id, name, input, output string) model.ToolInvocation {
	return model.ToolInvocation{
		ID:     id,
		Name:   name,
		Input:  json.RawMessage(input),
		Output: json.RawMessage(output),
		State:  model.StateOutputAvailable,
	}
}

func itemIDs(doc *model.Document) []string {
	out := make([]string, len(doc.Items))
	for i, it := range doc.Items {
		out[i] = it.ID
	}
	return out
}

func TestApply_CreateThenDelete(t *testing.T) {
	r := New(document("A"), registry, logger.NewNop())

	ok, err := r.Apply(done("x1", command.CreateItem,
		`{"title":"B","position":1}`, `{"success":true,"itemId":"B","position":1}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, itemIDs(r.Document()))

	ok, err = r.Apply(done("x2", command.DeleteItem, `{"itemId":"A"}`, `{"success":true,"itemId":"A"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	doc := r.Document()
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "B", doc.Items[0].ID)
	assert.Equal(t, 0, doc.Items[0].Position)
}

func TestApply_DuplicateIsNoop(t *testing.T) {
	r := New(document("A", "B", "C"), registry, logger.NewNop())
	move := done("m", command.MoveItem, `{"itemId":"A","newPosition":2}`, `{"success":true}`)

	ok, err := r.Apply(move)
	require.NoError(t, err)
	assert.True(t, ok)
	first := r.Document()

	for i := 0; i < 3; i++ {
		ok, err = r.Apply(move)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, first, r.Document())
	assert.Equal(t, []string{"B", "C", "A"}, itemIDs(first))
	assert.True(t, r.Applied("m"))
}

func TestApply_Skips(t *testing.T) {
	r := New(document("A", "B"), registry, logger.NewNop())
	before := r.Document()

	tests := []struct {
		name string
		inv  model.ToolInvocation
	}{
		{"pending", model.ToolInvocation{ID: "p", Name: command.DeleteItem, Input: json.RawMessage(`{"itemId":"A"}`), State: model.StateInputAvailable}},
		{"rejected", model.ToolInvocation{ID: "r", Name: command.DeleteItem, Input: json.RawMessage(`{"itemId":"A"}`), State: model.StateOutputError}},
		{"read only", done("l", command.ListItems, `{}`, `{"items":[]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := r.Apply(tt.inv)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, before, r.Document())
}

func TestApply_Errors(t *testing.T) {
	r := New(document("A"), registry, logger.NewNop())

	_, err := r.Apply(done("u", "renameDeck", `{}`, `{}`))
	assert.ErrorIs(t, err, command.ErrUnknownCommand)

	_, err = r.Apply(done("c", command.CreateItem, `{"title":"B"}`, `{"success":true}`))
	assert.ErrorIs(t, err, ErrMissingOutput)

	_, err = r.Apply(done("d", command.DeleteItem, `{"itemId":"A"}`, `{"success":true}`))
	assert.ErrorIs(t, err, deck.ErrLastItem)

	ok, err := r.Apply(done("d", command.DeleteItem, `{"itemId":"A"}`, `{"success":true}`))
	assert.NoError(t, err, "a failed invocation is not retried")
	assert.False(t, ok)
	assert.Len(t, r.Document().Items, 1)
}

func TestSubscribe(t *testing.T) {
	r := New(document("A"), registry, logger.NewNop())

	var got []*model.Document
	cancel := r.Subscribe(func(doc *model.Document) { got = append(got, doc) })

	_, _ = r.Apply(done("s1", command.UpdateSettings, `{"theme":"ocean"}`, `{"success":true}`))
	_, _ = r.Apply(done("s1", command.UpdateSettings, `{"theme":"ocean"}`, `{"success":true}`))
	cancel()
	_, _ = r.Apply(done("s2", command.UpdateSettings, `{"theme":"forest"}`, `{"success":true}`))

	require.Len(t, got, 1)
	assert.Equal(t, "ocean", got[0].Settings.Theme)
	assert.Equal(t, "forest", r.Document().Settings.Theme)
}

type nopSink struct{}

func (nopSink) SaveMutation(string, model.Mutation)            {}
func (nopSink) Unsaved(string) (model.Mutation, bool)          { return model.Mutation{}, false }

// executed runs random commands through the executor and returns the
// resulting invocations in execution order.
func executed(t *testing.T, seed int64, steps int) ([]model.ToolInvocation, *model.Document) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateDocument(context.Background(), document("A", "B", "C")))
	exec, err := executor.New(mem, nopSink{}, executor.NewLocalLocker(), executor.Config{CacheSize: 4}, logger.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	rng := rand.New(rand.NewSource(seed))
	var invs []model.ToolInvocation

	for i := 0; i < steps; i++ {
		doc, err := exec.Document(ctx, "doc-1")
		require.NoError(t, err)
		target := doc.Items[rng.Intn(len(doc.Items))].ID

		var name, input string
		switch rng.Intn(5) {
		case 0, 1:
			name, input = command.CreateItem, fmt.Sprintf(`{"title":"s%d","position":%d}`, i, rng.Intn(len(doc.Items)+3)-1)
		case 2:
			name, input = command.DeleteItem, fmt.Sprintf(`{"itemId":%q}`, target)
		case 3:
			name, input = command.MoveItem, fmt.Sprintf(`{"itemId":%q,"newPosition":%d}`, target, rng.Intn(len(doc.Items)+2)-1)
		default:
			name, input = command.UpdateItemContent, fmt.Sprintf(`{"itemId":%q,"content":{"n":%d}}`, target, i)
		}

		decoded, err := registry.Decode(name, json.RawMessage(input))
		require.NoError(t, err)
		id := fmt.Sprintf("inv-%d", i)
		res, err := exec.Execute(ctx, "doc-1", id, name, decoded)
		require.NoError(t, err)
		if !res.Success {
			continue
		}
		invs = append(invs, done(id, name, input, string(res.Output)))
	}

	final, err := exec.Document(ctx, "doc-1")
	require.NoError(t, err)
	return invs, final
}

func TestReplay_ConvergesWithExecutor(t *testing.T) {
	invs, authoritative := executed(t, 7, 200)
	require.NotEmpty(t, invs)

	clean := New(document("A", "B", "C"), registry, logger.NewNop())
	n, err := clean.Replay(invs)
	require.NoError(t, err)
	assert.Equal(t, len(invs), n)

	// Re-deliver every prefix of the transcript before each new invocation.
	noisy := New(document("A", "B", "C"), registry, logger.NewNop())
	for i := range invs {
		_, err := noisy.Replay(invs[:i+1])
		require.NoError(t, err)
	}

	a, b := clean.Document(), noisy.Document()
	require.NoError(t, deck.Validate(a))
	assert.Equal(t, a.Items, b.Items)
	assert.Equal(t, a.Version, b.Version)

	assert.Equal(t, itemIDs(authoritative), itemIDs(a))
	assert.Equal(t, authoritative.Version, a.Version)
	for i := range a.Items {
		assert.JSONEq(t, string(contentOrEmpty(authoritative.Items[i].Content)), string(contentOrEmpty(a.Items[i].Content)))
	}
}

func contentOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}

// commit executes one command and returns the finished invocation with its
// commit.
func commit(t *testing.T, exec *executor.Executor, msgID, id, name, input string) (model.ToolInvocation, model.Mutation) {
	t.Helper()
	decoded, err := registry.Decode(name, json.RawMessage(input))
	require.NoError(t, err)
	inv := done(id, name, input, "")
	inv.MessageID = msgID
	res, err := exec.Execute(context.Background(), "doc-1", inv.Key(), name, decoded)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Mutation)
	inv.Output = res.Output
	return inv, *res.Mutation
}

func TestApplyCommitted_OutOfOrderCommits(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.CreateDocument(context.Background(), document("A")))
	exec, err := executor.New(mem, nopSink{}, executor.NewLocalLocker(), executor.Config{CacheSize: 4}, logger.NewNop())
	require.NoError(t, err)

	x, mx := commit(t, exec, "m1", "c1", command.CreateItem, `{"title":"B","position":1}`)
	y, my := commit(t, exec, "m2", "c1", command.DeleteItem, `{"itemId":"A"}`)
	require.Equal(t, mx.Version+1, my.Version)

	r := New(document("A"), registry, logger.NewNop())
	var notified int
	r.Subscribe(func(*model.Document) { notified++ })

	ok, err := r.ApplyCommitted(y, my)
	require.NoError(t, err)
	assert.True(t, ok, "a later commit fast-forwards the view")

	ok, err = r.ApplyCommitted(x, mx)
	require.NoError(t, err)
	assert.False(t, ok, "an included commit is skipped")

	ok, _ = r.ApplyCommitted(y, my)
	assert.False(t, ok)

	authoritative, err := exec.Document(context.Background(), "doc-1")
	require.NoError(t, err)
	live := r.Document()
	assert.Equal(t, itemIDs(authoritative), itemIDs(live))
	assert.Equal(t, authoritative.Version, live.Version)
	assert.Equal(t, 1, notified)
	assert.True(t, r.Applied("m1/c1"))
	assert.True(t, r.Applied("m2/c1"))
	assert.False(t, r.Applied("c1"))
}

func TestApplyCommitted_InOrderMirrors(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.CreateDocument(context.Background(), document("A")))
	exec, err := executor.New(mem, nopSink{}, executor.NewLocalLocker(), executor.Config{CacheSize: 4}, logger.NewNop())
	require.NoError(t, err)

	x, mx := commit(t, exec, "m1", "c1", command.CreateItem, `{"title":"B","position":0}`)
	y, my := commit(t, exec, "m1", "c2", command.UpdateSettings, `{"theme":"ocean"}`)

	r := New(document("A"), registry, logger.NewNop())
	for _, step := range []struct {
		inv model.ToolInvocation
		m   model.Mutation
	}{{x, mx}, {y, my}} {
		ok, err := r.ApplyCommitted(step.inv, step.m)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	live := r.Document()
	assert.Equal(t, []string{mx.Items[0].ID, "A"}, itemIDs(live))
	assert.Equal(t, "ocean", live.Settings.Theme)
	assert.Equal(t, my.Version, live.Version)
}

func TestApply_SameIDInDifferentMessages(t *testing.T) {
	r := New(document("A"), registry, logger.NewNop())

	first := done("c1", command.UpdateSettings, `{"theme":"ocean"}`, `{"success":true}`)
	first.MessageID = "m1"
	second := done("c1", command.UpdateSettings, `{"theme":"forest"}`, `{"success":true}`)
	second.MessageID = "m2"

	ok, err := r.Apply(first)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Apply(second)
	require.NoError(t, err)
	assert.True(t, ok, "ids are scoped to their message")
	assert.Equal(t, "forest", r.Document().Settings.Theme)
}
