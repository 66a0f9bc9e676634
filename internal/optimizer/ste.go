package optimizer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"spectyra/internal/llm"
)

const (
	stePhraseMinWords = 3
	stePhraseMaxWords = 8
	steMinOccurrences = 3
	steMinPhraseChars = 18
	steMaxPhrases     = 5
	steMaxLegendChars = 60
)

var steWordRe = regexp.MustCompile(`\S+`)

// EncodePhrases applies structured token encoding: repeated phrases are
// replaced with ⟦Pk⟧ aliases and a legend message is prepended. Returns the
// rewritten messages and true when any phrase was encoded. Fenced code is
// never rewritten. Skipped entirely by the orchestrator when the SCC ran.
func EncodePhrases(msgs []llm.Message) ([]llm.Message, bool) {
	counts := phraseCounts(msgs)

	type ranked struct {
		phrase string
		count  int
	}
	var candidates []ranked
	for p, c := range counts {
		if c >= steMinOccurrences && len(p) >= steMinPhraseChars {
			candidates = append(candidates, ranked{p, c})
		}
	}
	if len(candidates) == 0 {
		return msgs, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		// longer phrases first on ties so subsumed phrases lose
		if len(candidates[i].phrase) != len(candidates[j].phrase) {
			return len(candidates[i].phrase) > len(candidates[j].phrase)
		}
		return candidates[i].phrase < candidates[j].phrase
	})
	if len(candidates) > steMaxPhrases {
		candidates = candidates[:steMaxPhrases]
	}

	var legend strings.Builder
	legend.WriteString("Phrase legend (⟦Pk⟧ expands to the listed phrase):\n")
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	encodedAny := false
	for k, cand := range candidates {
		alias := fmt.Sprintf("⟦P%d⟧", k+1)
		replaced := false
		for i := range out {
			if out[i].Role == llm.RoleSystem {
				continue
			}
			rewritten := rewriteOutsideFences(out[i].Content, func(s string) string {
				if strings.Contains(s, cand.phrase) {
					replaced = true
					return strings.ReplaceAll(s, cand.phrase, alias)
				}
				return s
			})
			out[i].Content = rewritten
		}
		if replaced {
			encodedAny = true
			entry := truncateWithEllipsis(cand.phrase, steMaxLegendChars)
			legend.WriteString(fmt.Sprintf("P%d|%s\n", k+1, entry))
		}
	}
	if !encodedAny {
		return msgs, false
	}

	legendMsg := llm.Message{Role: llm.RoleSystem, Content: strings.TrimRight(legend.String(), "\n")}
	return append([]llm.Message{legendMsg}, out...), true
}

// phraseCounts counts 3–8-word shingles across non-system, non-code text.
func phraseCounts(msgs []llm.Message) map[string]int {
	counts := map[string]int{}
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		for _, seg := range splitFenced(m.Content) {
			if seg.code {
				continue
			}
			words := steWordRe.FindAllString(seg.text, -1)
			for size := stePhraseMinWords; size <= stePhraseMaxWords; size++ {
				for i := 0; i+size <= len(words); i++ {
					phrase := strings.Join(words[i:i+size], " ")
					if len(phrase) < steMinPhraseChars {
						continue
					}
					counts[phrase]++
				}
			}
		}
	}
	return counts
}
