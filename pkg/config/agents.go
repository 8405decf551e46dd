package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AgentOverride adjusts one agent kind's declaration. Zero fields leave the
// built-in declaration untouched.
type AgentOverride struct {
	Tier           string `yaml:"tier,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	SystemPrompt   string `yaml:"system_prompt,omitempty"`
	Instructions   string `yaml:"instructions,omitempty"`
	Disabled       bool   `yaml:"disabled,omitempty"`
}

// AgentsFile is the optional agents.yaml layout: per-kind overrides plus a
// shared system prompt preamble.
type AgentsFile struct {
	SystemPreamble string                   `yaml:"system_preamble,omitempty"`
	Agents         map[string]AgentOverride `yaml:"agents,omitempty"`
}

// LoadAgentsFile reads, env-expands and parses an agents.yaml. A missing
// path is not an error; it returns an empty file.
func LoadAgentsFile(path string) (*AgentsFile, error) {
	if path == "" {
		return &AgentsFile{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: ErrConfigNotFound}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	expanded := ExpandEnv(raw)
	var out AgentsFile
	if err := yaml.Unmarshal(expanded, &out); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}

	for kind, ov := range out.Agents {
		if ov.Tier != "" && ov.Tier != "lite" && ov.Tier != "pro" {
			return nil, NewValidationError(fmt.Sprintf("agents.%s.tier", kind), `must be "lite" or "pro"`)
		}
		if ov.TimeoutSeconds < 0 {
			return nil, NewValidationError(fmt.Sprintf("agents.%s.timeout_seconds", kind), "must be >= 0")
		}
	}
	return &out, nil
}

// MergeAgentsFiles layers user overrides over base, user winning field by
// field.
func MergeAgentsFiles(base, user *AgentsFile) (*AgentsFile, error) {
	merged := &AgentsFile{
		SystemPreamble: base.SystemPreamble,
		Agents:         make(map[string]AgentOverride, len(base.Agents)+len(user.Agents)),
	}
	for k, v := range base.Agents {
		merged.Agents[k] = v
	}
	if user.SystemPreamble != "" {
		merged.SystemPreamble = user.SystemPreamble
	}
	for kind, userOv := range user.Agents {
		baseOv := merged.Agents[kind]
		if err := mergo.Merge(&baseOv, userOv, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging agent override %q: %w", kind, err)
		}
		merged.Agents[kind] = baseOv
	}
	return merged, nil
}
