package middleware

import (
	"context"
	"regexp"
)

// redactionPattern pairs a compiled PII detector with its placeholder.
// Placeholders contain no digits or @, so a second pass never rematches.
type redactionPattern struct {
	category string
	regex    *regexp.Regexp
}

var redactionPatterns = []redactionPattern{
	{"EMAIL", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	// RF internal passport: series and number, "1234 567890".
	{"PASSPORT", regexp.MustCompile(`\b\d{4}\s\d{6}\b`)},
	// Russian numbers: +7/8 with optional separators and parens.
	{"PHONE", regexp.MustCompile(`(?:\+7|\b8)[\s\-]?\(?\d{3}\)?[\s\-]?\d{3}[\s\-]?\d{2}[\s\-]?\d{2}\b`)},
	// International numbers with a country code.
	{"PHONE", regexp.MustCompile(`\+\d{1,3}[\s\-]?\(?\d{1,4}\)?(?:[\s\-]?\d{2,4}){2,4}\b`)},
	{"IP", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Redact replaces detected PII with [REDACTED_{CATEGORY}] placeholders.
// Idempotent: redacting redacted text is a no-op.
func Redact(text string) string {
	for _, p := range redactionPatterns {
		text = p.regex.ReplaceAllString(text, "[REDACTED_"+p.category+"]")
	}
	return text
}

// Redaction scrubs PII from prompt inputs before they reach the model.
// Stored documents are never touched; only the per-call inputs.
type Redaction struct {
	Noop
}

func NewRedaction() *Redaction { return &Redaction{} }

func (*Redaction) Name() string { return "redaction" }

func (*Redaction) Before(_ context.Context, ex *Exec) error {
	for i, part := range ex.PromptParts {
		ex.PromptParts[i] = Redact(part)
	}
	return nil
}
