package llm

import (
	"context"
	"strings"
	"sync"
)

// scriptRule matches a request (by substring over its rendered prompt) to a
// canned response or failure.
type scriptRule struct {
	match string
	text  string
	err   error
	once  bool
	used  bool
}

// ScriptedClient is a deterministic Client for tests: rules map prompt
// substrings to canned responses, in declaration order. It records every
// request it served.
type ScriptedClient struct {
	mu          sync.Mutex
	rules       []*scriptRule
	defaultText string
	requests    []Request
}

// NewScriptedClient builds a scripted client whose unmatched requests
// answer defaultText.
func NewScriptedClient(defaultText string) *ScriptedClient {
	return &ScriptedClient{defaultText: defaultText}
}

// Respond answers requests whose prompt contains match with text.
func (s *ScriptedClient) Respond(match, text string) *ScriptedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, &scriptRule{match: match, text: text})
	return s
}

// FailOnce makes the first request whose prompt contains match fail with
// err; later matches fall through to other rules.
func (s *ScriptedClient) FailOnce(match string, err error) *ScriptedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Prepend so an injected failure beats an existing Respond rule.
	s.rules = append([]*scriptRule{{match: match, err: err, once: true}}, s.rules...)
	return s
}

// Requests returns a copy of everything this client served.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *ScriptedClient) resolve(req *Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, *req)

	var rendered strings.Builder
	rendered.WriteString(req.System)
	for _, m := range req.Messages {
		rendered.WriteString("\n")
		rendered.WriteString(m.Content)
	}
	prompt := rendered.String()

	for _, r := range s.rules {
		if r.once && r.used {
			continue
		}
		if strings.Contains(prompt, r.match) {
			r.used = true
			if r.err != nil {
				return "", r.err
			}
			return r.text, nil
		}
	}
	return s.defaultText, nil
}

// Complete returns the scripted response for the request.
func (s *ScriptedClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	return &Completion{
		Text:  text,
		Usage: Usage{InputTokens: len(req.Messages) * 10, OutputTokens: len(text) / 4},
	}, nil
}

// Stream delivers the scripted response in a handful of text chunks.
func (s *ScriptedClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		const step = 64
		for i := 0; i < len(text); i += step {
			if ctx.Err() != nil {
				return
			}
			end := i + step
			if end > len(text) {
				end = len(text)
			}
			out <- &TextChunk{Delta: text[i:end]}
		}
		out <- &UsageChunk{Usage: Usage{OutputTokens: len(text) / 4}}
	}()
	return out, nil
}

// Close is a no-op.
func (s *ScriptedClient) Close() error { return nil }
