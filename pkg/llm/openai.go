package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docket-ai/docket/pkg/version"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAIClient builds a client for baseURL (e.g. "https://api.openai.com/v1").
func NewOpenAIClient(baseURL, apiKey string) (*OpenAIClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("openai: base url is required")
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// The per-agent timeout lives on ctx; this is a hard safety net.
		http: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
	StreamOpts  *openAIStreamOp `json:"stream_options,omitempty"`
}

type openAIStreamOp struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) buildBody(req *Request, stream bool) ([]byte, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	body := openAIRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		body.StreamOpts = &openAIStreamOp{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.ParametersSchema),
			},
		})
	}
	return json.Marshal(body)
}

func (c *OpenAIClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.Full())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	return resp, nil
}

// Complete issues a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "decoding response: " + err.Error()}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: "openai", Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "empty choices"}
	}

	out := &Completion{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Usage = Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// Stream issues a streaming completion and parses the SSE body line by line.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}

			var parsed openAIResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue // malformed keepalive lines are not fatal
			}
			if parsed.Error != nil {
				out <- &ErrorChunk{Err: &ProviderError{Provider: "openai", Message: parsed.Error.Message}}
				return
			}
			if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
				out <- &TextChunk{Delta: parsed.Choices[0].Delta.Content}
			}
			if parsed.Usage != nil {
				out <- &UsageChunk{Usage: Usage{
					InputTokens:  parsed.Usage.PromptTokens,
					OutputTokens: parsed.Usage.CompletionTokens,
				}}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- &ErrorChunk{Err: &ProviderError{Provider: "openai", Message: "reading stream: " + err.Error(), Retryable: true}}
		}
	}()
	return out, nil
}

// Close is a no-op; connections are pooled by net/http.
func (c *OpenAIClient) Close() error { return nil }
