package provider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCriterion(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "artifact.txt")
	require.NoError(t, os.WriteFile(existing, []byte("data"), 0644))

	tests := []struct {
		name      string
		criterion string
		output    string
		want      bool
	}{
		{"no error clean output", "no error", "deployment finished", true},
		{"no error catches Error", "no error", "Error: connection refused", false},
		{"no error is case insensitive", "No Error", "all good", true},
		{"not empty with content", "not empty", "result", true},
		{"not empty whitespace only", "not empty", "   \n\t", false},
		{"contains match", "contains:run-42", "started run-42 ok", true},
		{"contains preserves payload case", "contains:Report", "wrote report.pdf", false},
		{"contains trims payload", "contains: run-42 ", "started run-42 ok", true},
		{"equals trimmed output", "equals:done", "  done\n", true},
		{"equals mismatch", "equals:done", "done done", false},
		{"file exists", "file exists:" + existing, "", true},
		{"file exists missing path", "file exists:/nonexistent/artifact.txt", "", false},
		{"bare substring", "deployed", "service Deployed to prod", true},
		{"bare substring missing", "deployed", "nothing happened", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateCriterion(tt.criterion, tt.output))
		})
	}
}

func TestEvaluateCriteria(t *testing.T) {
	t.Run("tallies and details", func(t *testing.T) {
		report := EvaluateCriteria(
			[]string{"no error", "contains:run-42", "equals:something else"},
			"started run-42 ok",
		)

		assert.Equal(t, 2, report.Passed)
		assert.Equal(t, 1, report.Failed)
		require.Len(t, report.Details, 1)
		assert.Equal(t, "criterion failed: equals:something else", report.Details[0])
		assert.False(t, report.AllPassed())
	})

	t.Run("all passing", func(t *testing.T) {
		report := EvaluateCriteria([]string{"no error", "not empty"}, "fine")

		assert.Equal(t, 2, report.Passed)
		assert.Zero(t, report.Failed)
		assert.Empty(t, report.Details)
		assert.True(t, report.AllPassed())
	})

	t.Run("no criteria", func(t *testing.T) {
		report := EvaluateCriteria(nil, "anything")

		assert.Zero(t, report.Passed)
		assert.Zero(t, report.Failed)
		// Zero passed means AllPassed stays false; the engine treats the
		// no-criteria case as success before consulting the report.
		assert.False(t, report.AllPassed())
	})
}
