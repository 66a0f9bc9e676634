package optimizer

import (
	"spectyra/internal/llm"
)

// Profit-gate thresholds per path. A transform's output is accepted only
// when it saves at least the percentage AND the absolute token floor, and
// never grows the prompt.
const (
	talkMinPctSaved = 0.03
	talkMinAbsSaved = 40
	codeMinPctSaved = 0.02
	codeMinAbsSaved = 60
)

// profitGate wraps one transform step: it estimates tokens before and after
// and decides whether the output is worth keeping.
type profitGate struct {
	minPct float64
	minAbs int
	est    *llm.EstimateCache
}

func newProfitGate(path Path, est *llm.EstimateCache) profitGate {
	if path == PathCode {
		return profitGate{minPct: codeMinPctSaved, minAbs: codeMinAbsSaved, est: est}
	}
	return profitGate{minPct: talkMinPctSaved, minAbs: talkMinAbsSaved, est: est}
}

func (g profitGate) estimate(msgs []llm.Message) int {
	if g.est != nil {
		return g.est.EstimateMessages(msgs)
	}
	return llm.EstimateMessages(msgs)
}

// accept returns (messagesToUse, accepted). On rejection the pre-step
// messages are returned unchanged.
func (g profitGate) accept(before, after []llm.Message) ([]llm.Message, bool) {
	tb := g.estimate(before)
	ta := g.estimate(after)
	if ta > tb {
		return before, false
	}
	saved := tb - ta
	if saved < g.minAbs {
		return before, false
	}
	if tb > 0 && float64(saved)/float64(tb) < g.minPct {
		return before, false
	}
	return after, true
}

// finalSizeGuard compares the candidate prompt with the baseline and reverts
// when optimization inflated the estimate. Returns the prompt to use and
// whether a revert happened.
func finalSizeGuard(baseline, candidate []llm.Message, est *llm.EstimateCache) ([]llm.Message, bool) {
	var tb, tc int
	if est != nil {
		tb, tc = est.EstimateMessages(baseline), est.EstimateMessages(candidate)
	} else {
		tb, tc = llm.EstimateMessages(baseline), llm.EstimateMessages(candidate)
	}
	if tc > tb {
		return baseline, true
	}
	return candidate, false
}
