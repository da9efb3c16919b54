package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvSecretMaskerName(t *testing.T) {
	m := &EnvSecretMasker{}
	assert.Equal(t, "env_secrets", m.Name())
}

func TestEnvSecretMaskerAppliesTo(t *testing.T) {
	m := &EnvSecretMasker{}

	tests := []struct {
		name string
		data string
		want bool
	}{
		{
			name: "env dump with secret variable",
			data: "PATH=/usr/bin\nDB_PASSWORD=hunter2-not-real",
			want: true,
		},
		{
			name: "exported secret",
			data: `export API_TOKEN=tok-fake-not-real`,
			want: true,
		},
		{
			name: "quoted entry in container inspect output",
			data: `"SERVICE_TOKEN=tok-fake-not-real"`,
			want: true,
		},
		{
			name: "assignments without secret keys",
			data: "PATH=/usr/bin\nHOME=/root\nLANG=C.UTF-8",
			want: false,
		},
		{
			name: "plain prose without assignments",
			data: "the token was rotated yesterday",
			want: false,
		},
		{
			name: "empty input",
			data: "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.AppliesTo(tt.data))
		})
	}
}

func TestEnvSecretMaskerMask(t *testing.T) {
	m := &EnvSecretMasker{}

	t.Run("masks secret values and preserves the rest", func(t *testing.T) {
		input := `PATH=/usr/local/bin:/usr/bin
DB_PASSWORD=hunter2-not-real
API_TOKEN=tok-fake-not-real
LANG=C.UTF-8`

		result := m.Mask(input)

		assert.NotContains(t, result, "hunter2-not-real")
		assert.NotContains(t, result, "tok-fake-not-real")
		assert.Contains(t, result, "DB_PASSWORD="+MaskedEnvValue)
		assert.Contains(t, result, "API_TOKEN="+MaskedEnvValue)
		assert.Contains(t, result, "PATH=/usr/local/bin:/usr/bin")
		assert.Contains(t, result, "LANG=C.UTF-8")
	})

	t.Run("preserves export prefix and indentation", func(t *testing.T) {
		input := "  export AWS_SECRET_ACCESS_KEY=fake-not-real"
		result := m.Mask(input)
		assert.Equal(t, "  export AWS_SECRET_ACCESS_KEY="+MaskedEnvValue, result)
	})

	t.Run("masks quoted entries in container inspect JSON", func(t *testing.T) {
		input := `{
  "Env": [
    "PATH=/usr/local/sbin",
    "SERVICE_TOKEN=tok-fake-not-real",
    "LANG=C.UTF-8"
  ]
}`

		result := m.Mask(input)

		assert.NotContains(t, result, "tok-fake-not-real")
		assert.Contains(t, result, `"SERVICE_TOKEN=`+MaskedEnvValue+`"`)
		assert.Contains(t, result, `"PATH=/usr/local/sbin"`)
		assert.Contains(t, result, `"LANG=C.UTF-8"`)
	})

	t.Run("decides from the key name, not the value shape", func(t *testing.T) {
		// A one-character secret no value regex would catch.
		result := m.Mask("SIGNING_KEY=x")
		assert.Equal(t, "SIGNING_KEY="+MaskedEnvValue, result)
	})

	t.Run("key containing KEY as a fragment is not a secret", func(t *testing.T) {
		input := "MONKEY=bananas\nKEYBOARD=qwerty-layout"
		result := m.Mask(input)
		assert.Equal(t, input, result)
	})

	t.Run("whole-segment key names are secrets", func(t *testing.T) {
		for _, key := range []string{"KEY", "API_KEY", "APIKEY", "OAUTH_SECRET", "DATABASE_DSN", "GIT_CREDENTIALS"} {
			result := m.Mask(key + "=fake-value")
			assert.Equal(t, key+"="+MaskedEnvValue, result, "key %s should be masked", key)
		}
	})

	t.Run("returns input unchanged when nothing matches", func(t *testing.T) {
		input := "no assignments here\njust text"
		assert.Equal(t, input, m.Mask(input))
	})

	t.Run("masking is idempotent", func(t *testing.T) {
		once := m.Mask("DB_TOKEN=abc123==")
		twice := m.Mask(once)
		assert.Equal(t, once, twice)
		assert.Equal(t, "DB_TOKEN="+MaskedEnvValue, once)
	})
}
