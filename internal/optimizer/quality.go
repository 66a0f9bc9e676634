package optimizer

import (
	"regexp"

	"spectyra/internal/observability"
)

// EvaluateQuality runs the caller-supplied checks against a response and
// returns the names of the failing ones. Invalid patterns are reported as
// failures rather than errors: the caller asked for a gate the response
// cannot be shown to pass.
func EvaluateQuality(response string, checks []QualityCheck) []string {
	var failures []string
	for _, c := range checks {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			observability.LoggerWithTrace(nil).Warn().Err(err).Str("check", c.Name).Msg("quality_check_bad_pattern")
			failures = append(failures, c.Name)
			continue
		}
		matched := re.MatchString(response)
		if matched == c.Forbid {
			failures = append(failures, c.Name)
		}
	}
	return failures
}

// betterResponse picks between the first attempt and the retry: pass status
// first, then fewer failures. Returns true when the retry should be used.
func betterResponse(firstFailures, retryFailures []string) bool {
	if len(retryFailures) == 0 && len(firstFailures) > 0 {
		return true
	}
	return len(retryFailures) < len(firstFailures)
}
