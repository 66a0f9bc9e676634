package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectyra/internal/llm"
)

func TestPlanPolicyFromStability(t *testing.T) {
	low := PlanPolicy(PathTalk, spectralFixture(0.2, 0.3, 0), false)
	assert.False(t, low.CompactionAggressive)
	assert.False(t, low.TrimAggressive)

	high := PlanPolicy(PathCode, spectralFixture(0.2, 0.8, 0), false)
	assert.True(t, high.CompactionAggressive)
	assert.True(t, high.TrimAggressive)
	assert.True(t, high.PatchMode)

	relaxed := PlanPolicy(PathCode, spectralFixture(0.2, 0.9, 0), true)
	assert.Equal(t, Policy{}, relaxed)
}

func TestApplyPolicyAppendsToLastUserTurn(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "answer"},
		{Role: llm.RoleUser, Content: "second"},
	}
	out := ApplyPolicy(PathCode, msgs, Policy{TrimAggressive: true, PatchMode: true}, true)

	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Content)
	assert.Contains(t, out[2].Content, "second")
	assert.Contains(t, out[2].Content, "unified diff")
	assert.Contains(t, out[2].Content, "tersely")
	// no new system message was added
	for _, m := range out {
		assert.NotEqual(t, llm.RoleSystem, m.Role)
	}
}

func TestApplyPolicyNoFlagsNoChange(t *testing.T) {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "unchanged"}}
	out := ApplyPolicy(PathTalk, msgs, Policy{}, true)
	assert.Equal(t, msgs, out)
}

func TestCodeSlicingOnlyWithoutSCC(t *testing.T) {
	content := "two versions:\n```\nshort\n```\nand\n```\na much longer block of code that should be the one kept\n```"
	msgs := []llm.Message{{Role: llm.RoleUser, Content: content}}

	sliced := ApplyPolicy(PathCode, msgs, Policy{}, false)
	assert.Contains(t, sliced[0].Content, "a much longer block")
	assert.Contains(t, sliced[0].Content, "[code block omitted]")
	assert.NotContains(t, sliced[0].Content, "```\nshort\n```")

	// with SCC applied the slicing is skipped
	kept := ApplyPolicy(PathCode, msgs, Policy{}, true)
	assert.Equal(t, content, kept[0].Content)
}

func TestCodeSlicingLeavesSingleBlockAlone(t *testing.T) {
	content := "one version:\n```\nonly block present here\n```"
	msgs := []llm.Message{{Role: llm.RoleUser, Content: content}}
	out := ApplyPolicy(PathCode, msgs, Policy{}, false)
	assert.Equal(t, content, out[0].Content)
}
