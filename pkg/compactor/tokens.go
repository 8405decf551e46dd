package compactor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates LLM token counts for arbitrary values.
type Estimator interface {
	Estimate(v any) int
}

// BytesEstimator is the default: one token per four serialized bytes. Cheap
// and close enough for a threshold check.
type BytesEstimator struct{}

func (BytesEstimator) Estimate(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw) / 4
}

// TiktokenEstimator counts exactly with a BPE encoding. Slower; opt-in via
// TOKEN_ESTIMATOR=tiktoken.
type TiktokenEstimator struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{}
}

func (t *TiktokenEstimator) Estimate(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, falling back to bytes/4", "error", err)
			return
		}
		t.encoding = enc
	})
	if t.encoding == nil {
		return len(raw) / 4
	}
	return len(t.encoding.Encode(string(raw), nil, nil))
}

// NewEstimator picks an estimator by config name.
func NewEstimator(name string) (Estimator, error) {
	switch name {
	case "", "bytes":
		return BytesEstimator{}, nil
	case "tiktoken":
		return NewTiktokenEstimator(), nil
	default:
		return nil, fmt.Errorf("compactor: unknown token estimator %q", name)
	}
}
