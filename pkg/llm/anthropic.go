package llm

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient adapts the Anthropic Messages API to Client.
type AnthropicClient struct {
	sdk sdk.Client
}

// NewAnthropicClient builds a client for the given API key. baseURL is
// optional and supports proxies.
func NewAnthropicClient(apiKey, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{sdk: sdk.NewClient(opts...)}, nil
}

func (c *AnthropicClient) buildParams(req *Request) (sdk.MessageNewParams, error) {
	if req.Model == "" {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: model is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	system := make([]sdk.TextBlockParam, 0, 1)
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

// Complete issues a non-streaming Messages.New call.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true}
	}

	out := &Completion{
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}
	return out, nil
}

// Stream issues Messages.NewStreaming and forwards deltas as chunks.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true}
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			if ctx.Err() != nil {
				return
			}
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					out <- &TextChunk{Delta: delta.Text}
				}
			case sdk.MessageDeltaEvent:
				out <- &UsageChunk{Usage: Usage{
					InputTokens:  int(ev.Usage.InputTokens),
					OutputTokens: int(ev.Usage.OutputTokens),
				}}
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			out <- &ErrorChunk{Err: &ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true}}
		}
	}()
	return out, nil
}

// Close is a no-op; the SDK client holds no persistent connection.
func (c *AnthropicClient) Close() error { return nil }
