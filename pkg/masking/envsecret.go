package masking

import (
	"regexp"
	"strings"
)

// MaskedEnvValue is the replacement for masked environment variable values.
const MaskedEnvValue = "[MASKED_ENV_VALUE]"

var (
	// envAssignPattern matches one KEY=value assignment line, tolerating a
	// leading "export " and the indentation used by shell output.
	envAssignPattern = regexp.MustCompile(`^(\s*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_]*)=(.+)$`)

	// quotedEnvPattern matches "KEY=value" entries inside JSON arrays, the
	// form container inspect output uses for process environments.
	quotedEnvPattern = regexp.MustCompile(`"([A-Za-z_][A-Za-z0-9_]*)=([^"]+)"`)

	// secretKeyPattern decides whether a variable name carries a secret.
	// Plain KEY only counts as a whole segment so MONKEY and KEYBOARD pass.
	secretKeyPattern = regexp.MustCompile(`(?i)(?:TOKEN|SECRET|PASSW(?:OR)?D|CREDENTIALS?|DSN|BEARER|API_?KEY|(?:^|_)KEY(?:_|$))`)

	// envProbePattern is the cheap AppliesTo gate: at least one assignment
	// whose key looks secret-bearing.
	envProbePattern = regexp.MustCompile(`(?im)(?:^\s*(?:export\s+)?|")[A-Za-z_][A-Za-z0-9_]*(?:TOKEN|SECRET|PASSW(?:OR)?D|CREDENTIALS?|DSN|BEARER|KEY)[A-Za-z0-9_]*=`)
)

// EnvSecretMasker masks the values of secret-bearing variables in
// environment dumps: `env` output, .env files read by a command step, and
// the quoted Env arrays in container inspect JSON. The decision is made
// from the variable NAME, so it catches short or oddly shaped values that
// no value-matching regex can, and it preserves the key so the transcript
// still shows which variable was set.
type EnvSecretMasker struct{}

// Name returns the identifier this masker registers under.
func (m *EnvSecretMasker) Name() string { return "env_secrets" }

// AppliesTo reports whether the data looks like it contains a secret
// assignment. Kept cheap: one contains check and one regex probe.
func (m *EnvSecretMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "=") {
		return false
	}
	return envProbePattern.MatchString(data)
}

// Mask replaces the value of every secret-bearing assignment while leaving
// other variables and non-assignment lines untouched. Line-based, so a
// malformed dump degrades to passing through rather than erroring.
func (m *EnvSecretMasker) Mask(data string) string {
	masked := quotedEnvPattern.ReplaceAllStringFunc(data, func(entry string) string {
		sub := quotedEnvPattern.FindStringSubmatch(entry)
		if !secretKeyPattern.MatchString(sub[1]) {
			return entry
		}
		return `"` + sub[1] + `=` + MaskedEnvValue + `"`
	})

	lines := strings.Split(masked, "\n")
	changed := masked != data
	for i, line := range lines {
		sub := envAssignPattern.FindStringSubmatch(line)
		if sub == nil || !secretKeyPattern.MatchString(sub[2]) {
			continue
		}
		lines[i] = sub[1] + sub[2] + "=" + MaskedEnvValue
		changed = true
	}
	if !changed {
		return data
	}
	return strings.Join(lines, "\n")
}
