package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	full := Full()
	assert.True(t, strings.HasPrefix(full, AppName+"/"))
	assert.Equal(t, AppName+"/"+GitCommit, full)
}

func TestGitCommitShape(t *testing.T) {
	// Either the "dev" fallback or a short hash, never longer than 8.
	assert.NotEmpty(t, GitCommit)
	assert.LessOrEqual(t, len(GitCommit), 8)
}
