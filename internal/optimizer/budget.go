package optimizer

import "math"

// PlanBudgets maps spectral signals to compression budgets. The λ₂ override
// decides turn retention; stability and novelty shape aggressiveness. The
// caller-provided optimization level coarsely pre-overrides the result.
func PlanBudgets(res *SpectralResult, level int) Budgets {
	sig := res.DebugSignals()

	b := Budgets{}
	if res.Lambda2 < 0.12 {
		b.KeepLastTurns = 2
		b.MaxStateChars = 1800
	} else {
		b.KeepLastTurns = 4
		b.MaxStateChars = 3200
	}
	b.RetainToolLogs = res.Lambda2 > 0.15

	compression := 0.4 + 0.6*res.StabilityIndex - 0.3*sig.NoveltyMean
	b.StateCompressionLevel = clampRange(compression, 0.3, 1.0)
	b.PhrasebookAggressiveness = 0.9 * b.StateCompressionLevel
	b.CodemapDetailLevel = clampRange(1-0.4*res.StabilityIndex+0.3*res.ContradictionEnergy, 0.4, 1.0)

	// refpack entries grow with stability: 3…12
	b.MaxRefpackEntries = 3 + int(math.Round(9*res.StabilityIndex))

	applyLevel(&b, level)

	if b.MaxStateChars > MaxStateCharsHardCap {
		b.MaxStateChars = MaxStateCharsHardCap
	}
	if b.KeepLastTurns < 1 {
		b.KeepLastTurns = 1
	}
	if b.MaxRefpackEntries < 3 {
		b.MaxRefpackEntries = 3
	}
	return b
}

// applyLevel adjusts the spectral plan by the caller's coarse optimization
// level. Level 2 is the spectral default; 0 disables compression pressure
// entirely (the orchestrator additionally skips optional transforms), 4
// compresses hardest.
func applyLevel(b *Budgets, level int) {
	switch level {
	case 0:
		b.KeepLastTurns = maxInt(b.KeepLastTurns, 8)
		b.MaxStateChars = MaxStateCharsHardCap
		b.RetainToolLogs = true
		b.StateCompressionLevel = 0.3
		b.PhrasebookAggressiveness = 0
		b.CodemapDetailLevel = 1.0
	case 1:
		b.KeepLastTurns = maxInt(b.KeepLastTurns, 5)
		b.MaxStateChars = maxInt(b.MaxStateChars, 3600)
		b.StateCompressionLevel = clampRange(b.StateCompressionLevel, 0.3, 0.6)
	case 3:
		b.KeepLastTurns = minInt(b.KeepLastTurns, 3)
		b.StateCompressionLevel = clampRange(b.StateCompressionLevel+0.15, 0.5, 1.0)
		b.PhrasebookAggressiveness = 0.9 * b.StateCompressionLevel
	case 4:
		b.KeepLastTurns = 2
		b.MaxStateChars = minInt(b.MaxStateChars, 1800)
		b.StateCompressionLevel = 1.0
		b.PhrasebookAggressiveness = 0.9
		b.CodemapDetailLevel = 0.4
	}
}

func clampRange(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
