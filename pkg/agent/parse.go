package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/docket-ai/docket/pkg/models"
)

// ExtractJSON pulls the first JSON object or array out of an LLM response,
// tolerating prose and markdown fences around it.
func ExtractJSON(response string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(response)
	if i := strings.Index(cleaned, "```"); i != -1 {
		cleaned = strings.TrimPrefix(cleaned[i+3:], "json")
		if j := strings.Index(cleaned, "```"); j != -1 {
			cleaned = cleaned[:j]
		}
	}

	start := strings.IndexAny(cleaned, "{[")
	if start == -1 {
		return nil, fmt.Errorf("agent: no JSON in response")
	}
	open := cleaned[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(cleaned); i++ {
		c := cleaned[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				candidate := json.RawMessage(cleaned[start : i+1])
				if !json.Valid(candidate) {
					return nil, fmt.Errorf("agent: extracted JSON is invalid")
				}
				return candidate, nil
			}
		}
	}
	return nil, fmt.Errorf("agent: unbalanced JSON in response")
}

// ValidateAgainstSchema checks raw against the kind's generated schema.
func ValidateAgainstSchema(kind models.AgentKind, raw json.RawMessage) error {
	schemaRaw, err := SchemaFor(kind)
	if err != nil {
		return err
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaRaw)))
	if err != nil {
		return fmt.Errorf("agent: decoding schema for %s: %w", kind, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", schemaDoc); err != nil {
		return fmt.Errorf("agent: registering schema for %s: %w", kind, err)
	}
	schema, err := compiler.Compile("output.json")
	if err != nil {
		return fmt.Errorf("agent: compiling schema for %s: %w", kind, err)
	}

	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("agent: decoding output: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("agent: output does not match %s schema: %w", kind, err)
	}
	return nil
}

// DecodeOutput maps validated raw JSON into the kind's typed output.
// mapstructure tolerates the loose typing LLMs produce (numbers as floats,
// missing optionals).
func DecodeOutput(kind models.AgentKind, raw json.RawMessage) (any, error) {
	out, err := NewOutput(kind)
	if err != nil {
		return nil, err
	}
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("agent: decoding output for %s: %w", kind, err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(loose); err != nil {
		return nil, fmt.Errorf("agent: mapping output for %s: %w", kind, err)
	}
	return out, nil
}

// Parse runs extract + schema-validate + decode in one shot.
func Parse(kind models.AgentKind, response string) (any, json.RawMessage, error) {
	raw, err := ExtractJSON(response)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateAgainstSchema(kind, raw); err != nil {
		return nil, raw, err
	}
	out, err := DecodeOutput(kind, raw)
	if err != nil {
		return nil, raw, err
	}
	return out, raw, nil
}
