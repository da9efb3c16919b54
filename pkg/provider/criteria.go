package provider

import (
	"fmt"
	"os"
	"strings"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// EvaluateCriteria checks each test criterion against a step's output and
// returns the tally. The grammar, first match wins:
//
//	no error            output does not mention an error
//	not empty           output has non-whitespace content
//	contains:<text>     output contains the text
//	equals:<text>       trimmed output equals the text exactly
//	file exists:<path>  the path exists on disk
//	anything else       treated as a substring of the output, case-insensitive
//
// Details carries one line per failed criterion.
func EvaluateCriteria(criteria []string, output string) *models.TestReport {
	report := &models.TestReport{}
	for _, criterion := range criteria {
		if evaluateCriterion(criterion, output) {
			report.Passed++
			continue
		}
		report.Failed++
		report.Details = append(report.Details, fmt.Sprintf("criterion failed: %s", criterion))
	}
	return report
}

func evaluateCriterion(criterion, output string) bool {
	criterion = strings.TrimSpace(criterion)
	lowered := strings.ToLower(criterion)

	switch {
	case lowered == "no error":
		return !strings.Contains(strings.ToLower(output), "error")
	case lowered == "not empty":
		return strings.TrimSpace(output) != ""
	case strings.HasPrefix(lowered, "contains:"):
		want := strings.TrimSpace(criterion[len("contains:"):])
		return strings.Contains(output, want)
	case strings.HasPrefix(lowered, "equals:"):
		want := strings.TrimSpace(criterion[len("equals:"):])
		return strings.TrimSpace(output) == want
	case strings.HasPrefix(lowered, "file exists:"):
		path := strings.TrimSpace(criterion[len("file exists:"):])
		_, err := os.Stat(path)
		return err == nil
	default:
		// Bare criteria are read as "the output should mention this".
		return strings.Contains(strings.ToLower(output), lowered)
	}
}
