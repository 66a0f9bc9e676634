package optimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"spectyra/internal/llm"
)

// UnitizerOptions tunes unit extraction.
type UnitizerOptions struct {
	MinChars      int
	MaxChars      int
	MaxUnits      int
	IncludeSystem bool
}

func (o UnitizerOptions) withDefaults() UnitizerOptions {
	if o.MinChars <= 0 {
		o.MinChars = 40
	}
	if o.MaxChars <= 0 {
		o.MaxChars = 900
	}
	if o.MaxUnits < 0 {
		o.MaxUnits = 0
	}
	return o
}

var (
	bulletRe     = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+\.)\s+`)
	diffHeaderRe = regexp.MustCompile(`(?m)^(?:diff --git |--- a/|\+\+\+ b/|@@ [-+0-9, ]+ @@)`)
	constraintRe = regexp.MustCompile(`(?i)\b(must|should|require[sd]?)\b`)
	codePrefixRe = regexp.MustCompile(`(?m)^\s*(?:func |def |class |import |package |const |var |let |return )`)
)

// Unitize splits the message history into bounded semantic units with
// deterministic IDs. Turn indices increment at every user message, so units
// from the same exchange share a turn. Unitization is total: it never fails,
// it only produces fewer units.
func Unitize(path Path, msgs []llm.Message, opts UnitizerOptions) []Unit {
	opts = opts.withDefaults()
	if opts.MaxUnits == 0 {
		return nil
	}

	var units []Unit
	seen := map[string]int{}
	turn := 0
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			turn++
		}
		if m.Role == llm.RoleSystem && !opts.IncludeSystem {
			continue
		}
		text := normalizeText(m.Content)
		if text == "" {
			continue
		}
		var chunks []chunk
		if path == PathCode {
			chunks = splitCode(text)
		} else {
			chunks = splitTalk(text)
		}
		for _, c := range chunks {
			for _, windowed := range clampChunk(c.text, opts.MinChars, opts.MaxChars) {
				kind := inferKind(windowed, m.Role, c.code)
				units = append(units, newUnit(windowed, kind, m.Role, turn, seen))
			}
		}
	}

	if len(units) > opts.MaxUnits {
		units = units[len(units)-opts.MaxUnits:]
	}
	return units
}

type chunk struct {
	text string
	code bool
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// splitTalk splits prose on blank-line paragraphs, or on bullet lines when
// the text is bullet-shaped.
func splitTalk(text string) []chunk {
	var out []chunk
	if bulletRe.MatchString(text) {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			out = append(out, chunk{text: line})
		}
		return out
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		out = append(out, chunk{text: para})
	}
	return out
}

// splitCode extracts fenced code blocks as standalone units and unitizes the
// surrounding prose as talk.
func splitCode(text string) []chunk {
	var out []chunk
	blocks, remainder := extractFences(text, func(int, string) string { return "\n" })
	for _, block := range blocks {
		body := strings.TrimPrefix(block, "```")
		if i := strings.Index(body, "\n"); i >= 0 {
			body = body[i+1:]
		}
		body = strings.TrimSuffix(body, "```")
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		out = append(out, chunk{text: "CODE_BLOCK:" + body, code: true})
	}
	out = append(out, splitTalk(remainder)...)
	return out
}

// clampChunk drops chunks below min and windows chunks above max into
// max-sized pieces.
func clampChunk(text string, min, max int) []string {
	if len(text) < min {
		return nil
	}
	if len(text) <= max {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(text); start += max {
		end := start + max
		if end > len(text) {
			end = len(text)
		}
		w := text[start:end]
		if len(w) >= min {
			out = append(out, w)
		}
	}
	return out
}

func inferKind(text, role string, isCode bool) Kind {
	if diffHeaderRe.MatchString(text) {
		return KindPatch
	}
	if isCode || strings.HasPrefix(text, "CODE_BLOCK:") || codePrefixRe.MatchString(text) {
		return KindCode
	}
	if role == llm.RoleUser && constraintRe.MatchString(text) {
		return KindConstraint
	}
	if role == llm.RoleAssistant {
		return KindExplanation
	}
	return KindFact
}

// newUnit mints a unit with a deterministic ID: the first 16 hex chars of
// sha256 over normalized text, kind, and role, suffixed on collision.
func newUnit(text string, kind Kind, role string, turn int, seen map[string]int) Unit {
	base := unitHash(text, kind, role)
	id := base
	if n, ok := seen[base]; ok {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	seen[base]++
	return Unit{
		ID:             id,
		Kind:           kind,
		Role:           role,
		Text:           text,
		StabilityScore: 0.5,
		CreatedAtTurn:  turn,
	}
}

func unitHash(text string, kind Kind, role string) string {
	h := sha256.Sum256([]byte(text + "|" + string(kind) + "|" + role))
	return hex.EncodeToString(h[:8])
}
