package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sakhrNab/autonomous-claude-sub000/pkg/models"
)

// Criterion prefixes understood by the test gate. A criterion without a
// recognised prefix is matched as a case-insensitive substring of the step
// output.
const (
	criterionNoError  = "no error"
	criterionNonEmpty = "non-empty"
	criterionContains = "contains:"
	criterionMatches  = "matches:"
)

// evaluateCriteria runs every declared test criterion against the step's
// outcome. All criteria must pass. A step without criteria returns nil: no
// criteria means nothing to prove, and the invocation result alone decides.
func evaluateCriteria(step *models.Step, res models.ResolutionResult) *models.TestReport {
	if len(step.TestCriteria) == 0 {
		return nil
	}

	report := &models.TestReport{}
	output := step.Output
	for _, criterion := range step.TestCriteria {
		pass, detail := checkCriterion(criterion, output, res)
		if pass {
			report.Passed++
			continue
		}
		report.Failed++
		report.Details = append(report.Details, detail)
	}
	return report
}

func checkCriterion(criterion, output string, res models.ResolutionResult) (bool, string) {
	trimmed := strings.TrimSpace(criterion)
	switch {
	case strings.EqualFold(trimmed, criterionNoError):
		if res.Success && (res.Outcome == nil || res.Outcome.Error == "") {
			return true, ""
		}
		return false, fmt.Sprintf("%q: invocation reported an error", trimmed)

	case strings.EqualFold(trimmed, criterionNonEmpty):
		if output != "" {
			return true, ""
		}
		return false, fmt.Sprintf("%q: step produced no output", trimmed)

	case strings.HasPrefix(trimmed, criterionContains):
		want := strings.TrimSpace(strings.TrimPrefix(trimmed, criterionContains))
		if containsFold(output, want) {
			return true, ""
		}
		return false, fmt.Sprintf("%q: output does not contain %q", trimmed, want)

	case strings.HasPrefix(trimmed, criterionMatches):
		expr := strings.TrimSpace(strings.TrimPrefix(trimmed, criterionMatches))
		re, err := regexp.Compile(expr)
		if err != nil {
			return false, fmt.Sprintf("%q: invalid pattern: %v", trimmed, err)
		}
		if re.MatchString(output) {
			return true, ""
		}
		return false, fmt.Sprintf("%q: output does not match", trimmed)

	default:
		if containsFold(output, trimmed) {
			return true, ""
		}
		return false, fmt.Sprintf("%q: not found in output", trimmed)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// reportFromOutcome lifts a test-runner outcome into a report. Providers of
// testing capabilities return pass/fail counts in their outcome data.
func reportFromOutcome(outcome *models.Outcome) *models.TestReport {
	if outcome == nil || len(outcome.Data) == 0 {
		return nil
	}
	passed, okPassed := intFromAny(outcome.Data["passed"])
	failed, okFailed := intFromAny(outcome.Data["failed"])
	if !okPassed && !okFailed {
		return nil
	}
	report := &models.TestReport{Passed: passed, Failed: failed}
	if details, ok := outcome.Data["details"].([]string); ok {
		report.Details = details
	}
	return report
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
