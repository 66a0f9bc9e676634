package optimizer

import (
	"regexp"
	"strings"

	"spectyra/internal/llm"
)

// FailingSignal is one parsed error indicator from a tool message.
type FailingSignal struct {
	// Text is the one-line rendering used in the state message.
	Text string
	// File is the source file the signal points at, when parseable.
	File string
}

var (
	errorInRe    = regexp.MustCompile(`ERROR in ([^\s:]+):(\d+)(?::\d+)?(.*)`)
	tsErrorRe    = regexp.MustCompile(`\b(TS\d+):\s*(.+)`)
	stackFrameRe = regexp.MustCompile(`^\s*at\s+\S+\s+\(([^\s:)]+):(\d+)(?::\d+)?\)`)
	pyFrameRe    = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)`)
	diffFileRe   = regexp.MustCompile(`(?m)^\+\+\+ b/(\S+)`)
)

// ParseFailingSignals extracts failing signals from every tool message, in
// message order. Signals within a message are returned in line order.
func ParseFailingSignals(msgs []llm.Message) []FailingSignal {
	var out []FailingSignal
	for _, m := range msgs {
		if m.Role != llm.RoleTool {
			continue
		}
		out = append(out, parseSignalLines(m.Content)...)
	}
	return out
}

func parseSignalLines(content string) []FailingSignal {
	var out []FailingSignal
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := errorInRe.FindStringSubmatch(trimmed); m != nil {
			text := m[1] + ":" + m[2]
			if extra := strings.TrimSpace(m[3]); extra != "" {
				text += " " + extra
			}
			out = append(out, FailingSignal{Text: text, File: m[1]})
			continue
		}
		if m := tsErrorRe.FindStringSubmatch(trimmed); m != nil {
			out = append(out, FailingSignal{Text: m[1] + ": " + strings.TrimSpace(m[2])})
			continue
		}
		if m := stackFrameRe.FindStringSubmatch(line); m != nil {
			out = append(out, FailingSignal{Text: m[1] + ":" + m[2], File: m[1]})
			continue
		}
		if m := pyFrameRe.FindStringSubmatch(line); m != nil {
			out = append(out, FailingSignal{Text: m[1] + ":" + m[2], File: m[1]})
		}
	}
	return out
}

// TouchedFiles collects files referenced by failing signals and diff headers
// across the whole history, de-duplicated in first-seen order.
func TouchedFiles(msgs []llm.Message, limit int) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(f string) {
		if f == "" {
			return
		}
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		if limit <= 0 || len(out) < limit {
			out = append(out, f)
		}
	}
	for _, m := range msgs {
		for _, sig := range parseSignalLines(m.Content) {
			add(sig.File)
		}
		for _, dm := range diffFileRe.FindAllStringSubmatch(m.Content, -1) {
			add(dm[1])
		}
	}
	return out
}
