package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/models"
)

func TestRegistryBuiltins(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.Len(t, r.All(), 12)

	risk, err := r.Get(models.AgentRisk)
	require.NoError(t, err)
	assert.Equal(t, []models.AgentKind{models.AgentDiscrepancy}, risk.DependsOn)
	assert.Equal(t, models.TierPro, risk.Tier)

	assert.True(t, r.Independent(models.AgentTimeline))
	assert.False(t, r.Independent(models.AgentSummary))
	assert.Equal(t, []models.AgentKind{models.AgentKeyFacts}, r.Dependencies(models.AgentSummary))
}

func TestRegistryOverrides(t *testing.T) {
	r, err := NewRegistry(&config.AgentsFile{
		SystemPreamble: "You work for Acme Legal.",
		Agents: map[string]config.AgentOverride{
			"timeline": {Tier: "pro", TimeoutSeconds: 30},
			"draft_editor": {Disabled: true},
		},
	})
	require.NoError(t, err)

	timeline, err := r.Get(models.AgentTimeline)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, timeline.Tier)
	assert.Equal(t, 30*time.Second, timeline.Timeout)
	assert.Contains(t, timeline.SystemPrompt, "Acme Legal")

	_, err = r.Get(models.AgentDraftEditor)
	assert.Error(t, err)
	assert.Len(t, r.All(), 11)
}

func TestRegistryRejectsUnknownOverride(t *testing.T) {
	_, err := NewRegistry(&config.AgentsFile{
		Agents: map[string]config.AgentOverride{"teleporter": {Tier: "pro"}},
	})
	assert.Error(t, err)
}

func TestRegistryUnknownKind(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	_, err = r.Get(models.AgentKind("nope"))
	assert.Error(t, err)
}
