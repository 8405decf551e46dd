package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgentsYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAgentsFileExpandsEnv(t *testing.T) {
	t.Setenv("FIRM_NAME", "Acme Legal")
	path := writeAgentsYAML(t, `
system_preamble: "You work for {{.FIRM_NAME}}."
agents:
  timeline:
    tier: lite
    timeout_seconds: 60
`)

	f, err := LoadAgentsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "You work for Acme Legal.", f.SystemPreamble)
	assert.Equal(t, "lite", f.Agents["timeline"].Tier)
	assert.Equal(t, 60, f.Agents["timeline"].TimeoutSeconds)
}

func TestLoadAgentsFileRejectsBadTier(t *testing.T) {
	path := writeAgentsYAML(t, "agents:\n  risk:\n    tier: turbo\n")

	_, err := LoadAgentsFile(path)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLoadAgentsFileMissingPath(t *testing.T) {
	_, err := LoadAgentsFile("/nonexistent/agents.yaml")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestMergeAgentsFilesUserWinsFieldByField(t *testing.T) {
	base := &AgentsFile{
		SystemPreamble: "base preamble",
		Agents: map[string]AgentOverride{
			"risk": {Tier: "pro", TimeoutSeconds: 120},
		},
	}
	user := &AgentsFile{
		Agents: map[string]AgentOverride{
			"risk":     {TimeoutSeconds: 240},
			"timeline": {Tier: "lite"},
		},
	}

	merged, err := MergeAgentsFiles(base, user)
	require.NoError(t, err)
	assert.Equal(t, "base preamble", merged.SystemPreamble)
	assert.Equal(t, "pro", merged.Agents["risk"].Tier, "unset user field keeps base value")
	assert.Equal(t, 240, merged.Agents["risk"].TimeoutSeconds)
	assert.Equal(t, "lite", merged.Agents["timeline"].Tier)
}
