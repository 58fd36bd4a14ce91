package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/deck-assistant/internal/command"
	"github.com/capitalize-ai/deck-assistant/internal/model"
)

// OpenAIClient is the OpenAI LLM client. It supports tool calls.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIClient{client: openai.NewClient(apiKey)}, nil
}

// NewOpenAIClientWithConfig creates a client against a custom endpoint.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Models returns available models.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
	}
}

// StreamFrames streams a chat completion, translating content deltas and
// tool-call deltas into frames.
func (c *OpenAIClient) StreamFrames(ctx context.Context, req *CompletionRequest, callback FrameCallback) (*CompletionResponse, error) {
	start := time.Now()

	modelName := req.Model
	if modelName == "" {
		modelName = "gpt-4o"
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Tools:       convertTools(req.Tools),
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	calls := newToolCallTracker(callback)
	var (
		content    strings.Builder
		stopReason string
	)

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := callback(model.Frame{Type: model.FrameTextDelta, Delta: delta}); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := calls.observe(tc); err != nil {
				return nil, err
			}
		}
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
	}

	if err := calls.closeAll(); err != nil {
		return nil, err
	}

	return &CompletionResponse{
		Content:    content.String(),
		Model:      modelName,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func convertTools(defs []command.Definition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, len(defs))
	for i, def := range defs {
		tools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		}
	}
	return tools
}

// toolCallTracker turns OpenAI's indexed tool-call deltas into open, delta
// and close frames. A call is closed when a later index starts or the
// stream ends.
type toolCallTracker struct {
	callback FrameCallback
	ids      map[int]string
	open     map[int]bool
	current  int
}

func newToolCallTracker(cb FrameCallback) *toolCallTracker {
	return &toolCallTracker{
		callback: cb,
		ids:      make(map[int]string),
		open:     make(map[int]bool),
		current:  -1,
	}
}

func (t *toolCallTracker) observe(tc openai.ToolCall) error {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}

	if _, seen := t.ids[index]; !seen {
		if t.current >= 0 && t.open[t.current] {
			if err := t.close(t.current); err != nil {
				return err
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", index)
		}
		t.ids[index] = id
		t.open[index] = true
		t.current = index
		if err := t.callback(model.Frame{Type: model.FrameToolCallOpen, ID: id, Name: tc.Function.Name}); err != nil {
			return err
		}
	}

	if tc.Function.Arguments == "" {
		return nil
	}
	return t.callback(model.Frame{Type: model.FrameToolCallDelta, ID: t.ids[index], Delta: tc.Function.Arguments})
}

func (t *toolCallTracker) close(index int) error {
	t.open[index] = false
	return t.callback(model.Frame{Type: model.FrameToolCallClose, ID: t.ids[index]})
}

func (t *toolCallTracker) closeAll() error {
	indexes := make([]int, 0, len(t.open))
	for i, open := range t.open {
		if open {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		if err := t.close(i); err != nil {
			return err
		}
	}
	return nil
}
