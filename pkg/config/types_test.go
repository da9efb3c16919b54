package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestHookRefsUnmarshalYAML(t *testing.T) {
	t.Run("short form", func(t *testing.T) {
		var refs HookRefs
		err := yaml.Unmarshal([]byte(`[pre-step, post-step]`), &refs)
		require.NoError(t, err)

		require.Len(t, refs, 2)
		assert.Equal(t, "pre-step", refs[0].Name)
		assert.Nil(t, refs[0].Priority)
		assert.Equal(t, "post-step", refs[1].Name)
	})

	t.Run("long form with priority", func(t *testing.T) {
		input := `
- name: pre-step
  priority: 9
- name: approval
`
		var refs HookRefs
		err := yaml.Unmarshal([]byte(input), &refs)
		require.NoError(t, err)

		require.Len(t, refs, 2)
		assert.Equal(t, "pre-step", refs[0].Name)
		require.NotNil(t, refs[0].Priority)
		assert.Equal(t, 9, *refs[0].Priority)
		assert.Nil(t, refs[1].Priority)
	})

	t.Run("mixed form", func(t *testing.T) {
		input := `
- pre-step
- name: approval
  priority: 10
`
		var refs HookRefs
		err := yaml.Unmarshal([]byte(input), &refs)
		require.NoError(t, err)

		require.Len(t, refs, 2)
		assert.Equal(t, "pre-step", refs[0].Name)
		assert.Equal(t, "approval", refs[1].Name)
		require.NotNil(t, refs[1].Priority)
		assert.Equal(t, 10, *refs[1].Priority)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		input := `
- name: pre-step
  urgency: high
`
		var refs HookRefs
		err := yaml.Unmarshal([]byte(input), &refs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown field")
		assert.Contains(t, err.Error(), "urgency")
	})

	t.Run("non-sequence rejected", func(t *testing.T) {
		var refs HookRefs
		err := yaml.Unmarshal([]byte(`name: pre-step`), &refs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sequence")
	})

	t.Run("non-string scalar rejected", func(t *testing.T) {
		var refs HookRefs
		err := yaml.Unmarshal([]byte(`[42]`), &refs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected string")
	})
}

func TestHookRefsNames(t *testing.T) {
	refs := HookRefs{
		{Name: "pre-step", Priority: IntPtr(9)},
		{Name: "post-step"},
	}
	assert.Equal(t, []string{"pre-step", "post-step"}, refs.Names())

	var empty HookRefs
	assert.Nil(t, empty.Names())
}

func TestErrorPatternMatches(t *testing.T) {
	t.Run("compiled pattern", func(t *testing.T) {
		p := ErrorPattern{Name: "timeout", Pattern: `(?i)\btimeout\b`}
		require.NoError(t, p.Compile())
		assert.True(t, p.Matches("Request TIMEOUT on attempt 2"))
		assert.False(t, p.Matches("all good"))
	})

	t.Run("uncompiled pattern still matches", func(t *testing.T) {
		p := ErrorPattern{Name: "timeout", Pattern: `(?i)\btimeout\b`}
		assert.True(t, p.Matches("connection timeout"))
	})

	t.Run("invalid pattern never matches", func(t *testing.T) {
		p := ErrorPattern{Name: "broken", Pattern: "("}
		require.Error(t, p.Compile())
		assert.False(t, p.Matches("anything"))
	})
}
