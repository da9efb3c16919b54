package config

import (
	"sync"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// BuiltinConfig holds all built-in configuration data: the stock routing
// rules, capabilities, known error patterns, destructive-verb list, and
// the masking pattern catalog. User YAML merges over these; it never
// removes them.
type BuiltinConfig struct {
	Capabilities     map[string]*models.Capability
	RoutingRules     []*models.RoutingRule
	ErrorPatterns    []ErrorPattern
	DestructiveVerbs []string
	MaskingPatterns  map[string]MaskingPattern
	PatternGroups    map[string][]string
	CodeMaskers      []string
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Capabilities:     initBuiltinCapabilities(),
		RoutingRules:     initBuiltinRoutingRules(),
		ErrorPatterns:    initBuiltinErrorPatterns(),
		DestructiveVerbs: initBuiltinDestructiveVerbs(),
		MaskingPatterns:  initBuiltinMaskingPatterns(),
		PatternGroups:    initBuiltinPatternGroups(),
		CodeMaskers:      initBuiltinCodeMaskers(),
	}
}

func initBuiltinCapabilities() map[string]*models.Capability {
	return map[string]*models.Capability{
		"planning-agent": {
			Name:        "planning-agent",
			Kind:        models.CapabilityKindAgent,
			Description: "Decomposes intents into ordered steps",
			Triggers:    []string{"plan", "organize", "break down"},
			Priority:    5,
		},
		"context-load": {
			Name:        "context-load",
			Kind:        models.CapabilityKindSkill,
			Description: "Loads session and operational memory before complex work",
			Triggers:    []string{"context", "history", "remember"},
			Priority:    5,
		},
		"web-search": {
			Name:              "web-search",
			Kind:              models.CapabilityKindMCP,
			Description:       "Searches the web for current information",
			Triggers:          []string{"search", "find", "lookup", "research", "news", "headlines"},
			RequiresWebSearch: true,
			Priority:          7,
		},
		"web-scraper": {
			Name:        "web-scraper",
			Kind:        models.CapabilityKindMCP,
			Description: "Extracts content from web pages, including JS-heavy sites",
			Triggers:    []string{"scrape", "crawl", "extract"},
			AfterHooks:  []string{"post-step"},
			Priority:    8,
		},
		"db-inspect": {
			Name:            "db-inspect",
			Kind:            models.CapabilityKindSkill,
			Description:     "Inspects the relational store's health and contents",
			Triggers:        []string{"database", "db", "query", "table"},
			RequiresDBCheck: true,
			Priority:        5,
		},
		"status-fetch": {
			Name:        "status-fetch",
			Kind:        models.CapabilityKindSkill,
			Description: "Reports orchestrator and store status",
			Triggers:    []string{"status", "health", "fetch"},
			Priority:    5,
		},
		"testing": {
			Name:        "testing",
			Kind:        models.CapabilityKindSkill,
			Description: "Evaluates collected test criteria against step outputs",
			AutoTest:    true,
			Priority:    5,
		},
		"completion-verify": {
			Name:        "completion-verify",
			Kind:        models.CapabilityKindSkill,
			Description: "Verifies the task ledger before a session may finish",
			Priority:    5,
		},
		"failure-analyser": {
			Name:        "failure-analyser",
			Kind:        models.CapabilityKindSkill,
			Description: "Suggests input overrides after a failed iteration",
			Priority:    3,
		},
		"workflow-executor": {
			Name:        "workflow-executor",
			Kind:        models.CapabilityKindMCP,
			Description: "Triggers external workflows",
			Triggers:    []string{"workflow", "run", "deploy", "pipeline", "automate"},
			BeforeHooks: []string{"pre-step"},
			AfterHooks:  []string{"post-step"},
			Priority:    8,
		},
		"run-command": {
			Name:        "run-command",
			Kind:        models.CapabilityKindCommand,
			Description: "Executes a shell command",
			Triggers:    []string{"command", "shell", "exec"},
			BeforeHooks: []string{"pre-step"},
			Priority:    6,
		},
	}
}

func initBuiltinRoutingRules() []*models.RoutingRule {
	return []*models.RoutingRule{
		{
			Name:              "workflow",
			Pattern:           `(?i)\b(workflow|deploy|deployment|pipeline|release)\b`,
			Category:          "workflow",
			PrimaryCapability: "workflow-executor",
			FallbackCapabilities: []string{"run-command"},
			HooksToTrigger:    []string{"pre-step"},
			RequiresTesting:   true,
		},
		{
			Name:              "scrape",
			Pattern:           `(?i)\b(scrape|crawl|extract)\b`,
			Category:          "scrape",
			PrimaryCapability: "web-scraper",
			FallbackCapabilities: []string{"web-search"},
		},
		{
			Name:              "search",
			Pattern:           `(?i)\b(search|find|lookup|research|headlines|news)\b`,
			Category:          "search",
			PrimaryCapability: "web-search",
		},
		{
			Name:              "status",
			Pattern:           `(?i)\b(status|health|uptime|fetch)\b`,
			Category:          "status",
			PrimaryCapability: "status-fetch",
		},
		{
			Name:              "schedule",
			Pattern:           `(?i)\b(schedule|remind|recurring|daily|weekly)\b`,
			Category:          "schedule",
			PrimaryCapability: "planning-agent",
			RequiresPlanning:  true,
		},
		{
			Name:              "database",
			Pattern:           `(?i)\b(database|db|sql|table|record)\b`,
			Category:          "database",
			PrimaryCapability: "db-inspect",
			AlwaysCheckDB:     true,
		},
		{
			Name:              "file",
			Pattern:           `(?i)\b(file|directory|folder|save|write)\b`,
			Category:          "file",
			PrimaryCapability: "run-command",
			HooksToTrigger:    []string{"pre-step"},
		},
		{
			Name:              "notify",
			Pattern:           `(?i)\b(notify|alert|email|send)\b`,
			Category:          "notify",
			PrimaryCapability: "workflow-executor",
			HooksToTrigger:    []string{"pre-step"},
		},
	}
}

func initBuiltinErrorPatterns() []ErrorPattern {
	return []ErrorPattern{
		{
			Name:        "timeout",
			Pattern:     `(?i)\b(timeout|timed out|deadline exceeded)\b`,
			Remediation: "increase the invocation timeout and retry",
		},
		{
			Name:        "connection",
			Pattern:     `(?i)(connection refused|connection reset|no such host|broken pipe)`,
			Remediation: "retry after the endpoint recovers",
		},
		{
			Name:        "rate-limit",
			Pattern:     `(?i)(rate limit|too many requests|\b429\b)`,
			Remediation: "wait out the limit window and retry",
		},
		{
			Name:        "missing-credential",
			Pattern:     `(?i)(unauthorized|\b401\b|\b403\b|api key|credential)`,
			Remediation: "configure the provider's credentials",
		},
		{
			Name:        "not-found",
			Pattern:     `(?i)(not found|\b404\b|no such file)`,
			Remediation: "verify the target exists",
		},
	}
}

func initBuiltinDestructiveVerbs() []string {
	return []string{
		"delete", "drop", "remove", "destroy", "truncate",
		"wipe", "purge", "erase", "format", "shred",
	}
}

func initBuiltinMaskingPatterns() map[string]MaskingPattern {
	return map[string]MaskingPattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey|key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-]{20,})["\']?`,
			Replacement: `api_key: [MASKED_API_KEY]`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|pwd|pass)["\']?\s*[:=]\s*["\']?([^"\'\s\n]{6,})["\']?`,
			Replacement: `password: [MASKED_PASSWORD]`,
			Description: "Passwords",
		},
		"token": {
			Pattern:     `(?i)(?:token|bearer|jwt)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-\.]{20,})["\']?`,
			Replacement: `token: [MASKED_TOKEN]`,
			Description: "Access tokens",
		},
		"private_key": {
			Pattern:     `(?i)(?:private[_-]?key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-\.]{20,})["\']?`,
			Replacement: `private_key: [MASKED_PRIVATE_KEY]`,
			Description: "Private keys",
		},
		"secret_key": {
			Pattern:     `(?i)(?:secret[_-]?key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9_\-\.]{20,})["\']?`,
			Replacement: `secret_key: [MASKED_SECRET_KEY]`,
			Description: "Secret keys",
		},
		"certificate": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `[MASKED_CERTIFICATE]`,
			Description: "PEM blocks",
		},
		"email": {
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
			Replacement: `[MASKED_EMAIL]`,
			Description: "Email addresses",
		},
		"ssh_key": {
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `[MASKED_SSH_KEY]`,
			Description: "SSH public keys",
		},
		"connection_string": {
			Pattern:     `(?i)\b([a-z][a-z0-9+.-]*)://([^:/@\s"']+):([^@\s"']+)@`,
			Replacement: `${1}://${2}:[MASKED_DSN_PASSWORD]@`,
			Description: "Credentials embedded in connection URLs",
		},
		"aws_access_key": {
			Pattern:     `(?i)(?:aws[_-]?access[_-]?key[_-]?id)["\']?\s*[:=]\s*["\']?(AKIA[A-Z0-9]{16})["\']?`,
			Replacement: `aws_access_key_id: [MASKED_AWS_KEY]`,
			Description: "AWS access keys",
		},
		"aws_secret_key": {
			Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["\']?\s*[:=]\s*["\']?([A-Za-z0-9/+=]{40})["\']?`,
			Replacement: `aws_secret_access_key: [MASKED_AWS_SECRET]`,
			Description: "AWS secret keys",
		},
		"github_token": {
			Pattern:     `(?i)(?:github[_-]?token|gh[ps]_[A-Za-z0-9_]{36,255})`,
			Replacement: `[MASKED_GITHUB_TOKEN]`,
			Description: "GitHub tokens",
		},
		"slack_token": {
			Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
			Replacement: `[MASKED_SLACK_TOKEN]`,
			Description: "Slack tokens",
		},
		"base64_secret": {
			Pattern:     `\b([A-Za-z0-9+/]{20,}={0,2})\b`,
			Replacement: `[MASKED_BASE64_VALUE]`,
			Description: "Base64 values (20+ chars)",
		},
		"base64_short": {
			Pattern:     `:\s+([A-Za-z0-9+/]{4,19}={0,2})(?:\s|$)`,
			Replacement: `: [MASKED_SHORT_BASE64]`,
			Description: "Short base64 values",
		},
	}
}

// initBuiltinPatternGroups returns named bundles of masking patterns so a
// server config can say "credentials" instead of listing every pattern.
// Group members may name regex patterns from MaskingPatterns or code-based
// maskers from CodeMaskers; the masking service tells them apart.
func initBuiltinPatternGroups() map[string][]string {
	return map[string][]string{
		"basic":       {"api_key", "password"},
		"secrets":     {"api_key", "password", "token", "private_key", "secret_key"},
		"security":    {"api_key", "password", "token", "certificate", "email", "ssh_key"},
		"credentials": {"env_secrets", "api_key", "password", "token", "connection_string"},
		"cloud":       {"aws_access_key", "aws_secret_key", "api_key", "token"},
		"all": {
			"env_secrets", "base64_secret", "base64_short", "api_key", "password",
			"certificate", "email", "token", "ssh_key", "private_key", "secret_key",
			"connection_string", "aws_access_key", "aws_secret_key", "github_token",
			"slack_token",
		},
	}
}

// initBuiltinCodeMaskers lists maskers implemented in code rather than as a
// regex. A code masker decides from structure, not value shape: env_secrets
// masks any value whose key names a secret, which a regex on the value alone
// cannot do. Implementations live in pkg/masking and register themselves with
// the masking service under these names.
func initBuiltinCodeMaskers() []string {
	return []string{
		"env_secrets",
	}
}
