package optimizer

import (
	"strings"

	"spectyra/internal/llm"
)

// Policy holds the path-specific trimming flags applied after the bulk
// transforms.
type Policy struct {
	CompactionAggressive bool
	TrimAggressive       bool
	PatchMode            bool
}

// PlanPolicy derives the policy from the path and spectral result. The
// relaxed flag (quality-guard retry) turns everything off.
func PlanPolicy(path Path, res *SpectralResult, relaxed bool) Policy {
	if relaxed {
		return Policy{}
	}
	p := Policy{
		CompactionAggressive: res.StabilityIndex >= 0.6,
		TrimAggressive:       res.StabilityIndex >= 0.75,
	}
	if path == PathCode {
		p.PatchMode = res.StabilityIndex >= 0.5
	}
	return p
}

const patchModeInstruction = "Respond with a unified diff for the requested change, followed by at most 3 bullet points of explanation."

// trimInstructionModerate/Aggressive steer output length without touching
// the carried context.
const (
	trimInstructionModerate   = "Keep the answer focused; avoid restating context."
	trimInstructionAggressive = "Answer as tersely as correctness allows; no restating context, no preamble."
)

// ApplyPolicy applies path-specific trimming to the prompt. When an SCC
// state message is present no bulk additions are made: the policy only
// appends an output-trim instruction (and the patch-mode instruction on the
// code path). Without SCC, code slicing keeps only the largest fenced block
// of the user's last turn.
func ApplyPolicy(path Path, msgs []llm.Message, p Policy, sccApplied bool) []llm.Message {
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)

	if path == PathCode && !sccApplied {
		out = sliceLastTurnCode(out)
	}

	var extras []string
	if p.TrimAggressive {
		extras = append(extras, trimInstructionAggressive)
	} else if p.CompactionAggressive {
		extras = append(extras, trimInstructionModerate)
	}
	if path == PathCode && p.PatchMode {
		extras = append(extras, patchModeInstruction)
	}
	if len(extras) == 0 {
		return out
	}

	// append the instructions to the final user turn rather than adding a
	// system message, so the single-state-message invariant holds
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == llm.RoleUser {
			out[i].Content = out[i].Content + "\n\n" + strings.Join(extras, "\n")
			return out
		}
	}
	return out
}

// sliceLastTurnCode keeps only the largest fenced block in the last user
// turn when it carries several, dropping the rest. Runs only when the SCC
// has not already compacted the history.
func sliceLastTurnCode(msgs []llm.Message) []llm.Message {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return msgs
	}
	blocks, _ := extractFences(msgs[idx].Content, func(_ int, b string) string { return b })
	if len(blocks) < 2 {
		return msgs
	}
	largest := 0
	for i, b := range blocks {
		if len(b) > len(blocks[largest]) {
			largest = i
		}
	}
	_, replaced := extractFences(msgs[idx].Content, func(i int, b string) string {
		if i == largest {
			return b
		}
		return "[code block omitted]"
	})
	msgs[idx].Content = replaced
	return msgs
}
