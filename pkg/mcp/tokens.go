package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Output bounds. Tool results flow into step outputs, audit details, and
// progress events; reasoning prompts carry intents back to the model. Both
// paths get a byte ceiling so one chatty tool or a pasted document cannot
// bloat the stores or blow the context window.
const (
	// storageByteLimit caps a single tool result before it is persisted.
	storageByteLimit = 32 << 10 // 32KB

	// promptByteLimit caps the variable part of a reasoning prompt. Higher
	// than the storage bound: the model gets as much as the window allows
	// even when the stores keep less.
	promptByteLimit = 400 << 10 // 400KB
)

// TruncateForStorage bounds tool output before it lands in step results,
// audit event details, and published progress payloads.
func TruncateForStorage(content string) string {
	return boundContent(content, storageByteLimit, "output exceeded storage limit")
}

// TruncateForPrompt bounds free-form text before it enters a reasoning
// prompt.
func TruncateForPrompt(content string) string {
	return boundContent(content, promptByteLimit, "context exceeded prompt limit")
}

// boundContent cuts content to at most limit bytes, backing the cut up to a
// rune start and then to the last complete line so indented JSON, YAML, and
// log output keep their line structure. The appended notice names the cut
// and the original size; readers of a truncated transcript should never have
// to guess whether it is whole.
func boundContent(content string, limit int, notice string) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	kept := content[:cut]
	if nl := strings.LastIndexByte(kept, '\n'); nl > 0 {
		kept = kept[:nl]
	}
	return kept + fmt.Sprintf("\n\n[truncated: %s, kept %d of %d bytes]",
		notice, len(kept), len(content))
}
