// Package masking scrubs secrets from provider output before it reaches
// step outputs, transcripts, and the audit trail. Regex patterns handle
// values with a recognizable shape; code-based maskers handle structural
// cases like environment dumps. Tool results fail closed, response text
// fails open.
package masking

import (
	"fmt"
	"log/slog"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/config"
)

// ResponseMaskingConfig holds settings for masking outbound response text
// (the system-response messages written back to the session).
type ResponseMaskingConfig struct {
	Enabled      bool
	PatternGroup string
}

// Service applies data masking to managed-provider tool results and to
// outbound response text. Created once at startup. Thread-safe and
// stateless aside from compiled patterns.
type Service struct {
	registry             *config.MCPServerRegistry
	patterns             map[string]*CompiledPattern // built-in + custom compiled patterns
	patternGroups        map[string][]string         // group name -> pattern names
	codeMaskers          map[string]Masker           // registered code-based maskers
	responseMasking      ResponseMaskingConfig
	serverCustomPatterns map[string][]string // serverID -> custom pattern keys
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns compile eagerly at creation; invalid ones are logged
// and skipped.
func NewService(registry *config.MCPServerRegistry, responseCfg ResponseMaskingConfig) *Service {
	s := &Service{
		registry:             registry,
		patterns:             make(map[string]*CompiledPattern),
		patternGroups:        config.GetBuiltinConfig().PatternGroups,
		codeMaskers:          make(map[string]Masker),
		responseMasking:      responseCfg,
		serverCustomPatterns: make(map[string][]string),
	}

	s.compileBuiltinPatterns()
	s.compileCustomPatterns()
	s.registerMasker(&EnvSecretMasker{})

	slog.Info("Masking service initialized",
		"builtin_patterns", len(config.GetBuiltinConfig().MaskingPatterns),
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers),
		"response_masking_enabled", responseCfg.Enabled)

	return s
}

// MaskToolResult applies server-specific masking to a tool result. On
// masking failure the content is withheld entirely (fail-closed): a lost
// result is recoverable, a leaked secret is not.
func (s *Service) MaskToolResult(content string, serverID string) string {
	if content == "" {
		return content
	}

	serverCfg, err := s.registry.Get(serverID)
	if err != nil || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content
	}

	resolved := s.resolvePatterns(serverCfg.DataMasking, serverID)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	masked, err := s.applyMasking(content, resolved)
	if err != nil {
		slog.Error("Masking failed, withholding tool result",
			"server", serverID, "error", err)
		return "[REDACTED: masking failed, tool result withheld]"
	}

	return masked
}

// MaskResponse applies the configured pattern group to outbound response
// text. On masking failure the original text is returned (fail-open): a
// response the user never sees is worse than a best-effort one.
func (s *Service) MaskResponse(data string) string {
	if !s.responseMasking.Enabled || data == "" {
		return data
	}

	resolved := s.resolvePatternsFromGroup(s.responseMasking.PatternGroup)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return data
	}

	masked, err := s.applyMasking(data, resolved)
	if err != nil {
		slog.Error("Response masking failed, returning unmasked text", "error", err)
		return data
	}

	return masked
}

// applyMasking runs code-based maskers first (structural, more specific),
// then the regex sweep. A panicking masker is converted to an error so the
// callers' fail-closed and fail-open policies stay decidable.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) (masked string, err error) {
	defer func() {
		if r := recover(); r != nil {
			masked = ""
			err = fmt.Errorf("masker panic: %v", r)
		}
	}()

	masked = content
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker under its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
