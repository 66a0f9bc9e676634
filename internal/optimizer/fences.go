package optimizer

import "regexp"

// fenceRe matches a fenced code block with optional language tag. DOTALL body
// up to the closing fence.
var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?.*?```")

// segment is a run of text that is either entirely inside a fenced code block
// or entirely outside one.
type segment struct {
	text string
	code bool
}

// splitFenced partitions text into code and non-code segments. Joining the
// segment texts reproduces the input exactly.
func splitFenced(text string) []segment {
	var segs []segment
	last := 0
	for _, loc := range fenceRe.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, segment{text: text[last:loc[0]]})
		}
		segs = append(segs, segment{text: text[loc[0]:loc[1]], code: true})
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, segment{text: text[last:]})
	}
	return segs
}

// rewriteOutsideFences applies fn to every non-code segment of text and
// reassembles the result. Fenced code blocks pass through untouched, which
// guarantees aliases and markers never land inside source snippets.
func rewriteOutsideFences(text string, fn func(string) string) string {
	segs := splitFenced(text)
	out := make([]byte, 0, len(text))
	for _, s := range segs {
		if s.code {
			out = append(out, s.text...)
		} else {
			out = append(out, fn(s.text)...)
		}
	}
	return string(out)
}

// extractFences returns the fenced blocks of text in order, and the text with
// each block replaced by the result of repl (called with the block index and
// full block including fences).
func extractFences(text string, repl func(i int, block string) string) ([]string, string) {
	var blocks []string
	i := 0
	replaced := fenceRe.ReplaceAllStringFunc(text, func(block string) string {
		r := repl(i, block)
		blocks = append(blocks, block)
		i++
		return r
	})
	return blocks, replaced
}
