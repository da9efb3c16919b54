package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key_env: {{.SEARCH_API_KEY}}",
			env:   map[string]string{"SEARCH_API_KEY": "secret123"},
			want:  "api_key_env: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "regex pattern with $ preserved",
			input: `pattern: "(?i)\\b(status|health)\\b$"`,
			env:   map[string]string{},
			want:  `pattern: "(?i)\\b(status|health)\\b$"`,
		},
		{
			name:  "multiple substitutions in one line",
			input: "endpoint: {{.PROTOCOL}}://{{.WORKFLOW_HOST}}:{{.PORT}}",
			env: map[string]string{
				"PROTOCOL":      "https",
				"WORKFLOW_HOST": "workflows.internal",
				"PORT":          "8811",
			},
			want: "endpoint: https://workflows.internal:8811",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "variables in YAML array",
			input: "args:\n  - {{.ARG1}}\n  - {{.ARG2}}",
			env: map[string]string{
				"ARG1": "value1",
				"ARG2": "value2",
			},
			want: "args:\n  - value1\n  - value2",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

// TestExpandEnvMalformedTemplates verifies that malformed template syntax
// is passed through unchanged rather than causing errors. This allows the
// YAML parser to handle the content or fail with a clearer error message.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unclosed template", input: "api_key_env: {{.SEARCH_API_KEY"},
		{name: "only opening braces", input: "api_key_env: {{"},
		{name: "missing dot", input: "api_key_env: {{SEARCH_API_KEY}}"},
		{name: "reversed syntax", input: "api_key_env: }}.SEARCH_API_KEY{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SEARCH_API_KEY", "should-not-appear")

			result := ExpandEnv([]byte(tt.input))

			assert.Equal(t, tt.input, string(result), "malformed template should be passed through unchanged")
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

// TestExpandEnvPassThroughToYAMLParser verifies that when ExpandEnv returns
// original data due to template errors, the YAML parser can still process it.
func TestExpandEnvPassThroughToYAMLParser(t *testing.T) {
	input := `
remote:
  mcp_endpoint: "{{.MCP_ENDPOINT"
  max_retries: 3
`
	expanded := ExpandEnv([]byte(input))

	var result map[string]any
	err := yaml.Unmarshal(expanded, &result)
	assert.NoError(t, err, "malformed template treated as string literal, YAML parses")
	assert.NotNil(t, result)
}

func TestExpandEnvThreadSafety(t *testing.T) {
	input := []byte("key: {{.TEST_VAR}}")
	t.Setenv("TEST_VAR", "value")

	const goroutines = 100
	results := make([]string, goroutines)
	done := make(chan bool)

	for i := 0; i < goroutines; i++ {
		go func(index int) {
			results[index] = string(ExpandEnv(input))
			done <- true
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}

	expected := "key: value"
	for i, result := range results {
		assert.Equal(t, expected, result, "Result %d should match", i)
	}
}
