package optimizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectyra/internal/llm"
)

func talkHistory() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "Plan the migration of the billing service to the new queue.\nWe want zero downtime."},
		{Role: llm.RoleAssistant, Content: "I suggest a phased cutover with dual writes during the transition period."},
		{Role: llm.RoleUser, Content: "The cutover must not drop any in-flight invoices."},
		{Role: llm.RoleAssistant, Content: "Understood, dual writes will cover in-flight invoices until the drain completes."},
		{Role: llm.RoleUser, Content: "What is the first concrete step we should take this week?"},
	}
}

func TestCompileStateTalk(t *testing.T) {
	b := Budgets{KeepLastTurns: 1, MaxStateChars: 3200, RetainToolLogs: true}
	out := CompileState(PathTalk, talkHistory(), b, "")

	assert.Equal(t, llm.RoleSystem, out.StateMsg.Role)
	assert.True(t, strings.HasPrefix(out.StateMsg.Content, StateTagTalkOpen))
	assert.True(t, strings.HasSuffix(out.StateMsg.Content, StateTagTalkClose))

	body := out.StateMsg.Content
	assert.Contains(t, body, "Goal: Plan the migration of the billing service to the new queue.")
	assert.Contains(t, body, "Constraints (verbatim):")
	assert.Contains(t, body, "The cutover must not drop any in-flight invoices.")
	assert.Contains(t, body, "Known facts:")
	assert.Contains(t, body, "Decisions/commitments:")
	assert.Contains(t, body, "Recent context kept verbatim below.")

	// only the last turn is kept verbatim
	require.Len(t, out.Kept, 1)
	assert.Equal(t, "What is the first concrete step we should take this week?", out.Kept[0].Content)
}

func TestCompileStateKeepsToolTailAfterLastUser(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "Fix the failing build for the analytics worker."},
		{Role: llm.RoleAssistant, Content: "Running the build now."},
		{Role: llm.RoleUser, Content: "Here is the latest output, please address it."},
		{Role: llm.RoleTool, Content: "ERROR in src/worker.ts:17 unexpected token"},
		{Role: llm.RoleTool, Content: "TS2322: Type 'number' is not assignable to type 'string'."},
	}
	b := Budgets{KeepLastTurns: 1, MaxStateChars: 3200, RetainToolLogs: false}
	out := CompileState(PathCode, msgs, b, "")

	var toolCount int
	for _, m := range out.Kept {
		if m.Role == llm.RoleTool {
			toolCount++
		}
	}
	assert.Equal(t, 2, toolCount, "every tool message after the last user turn must survive")
}

func TestCompileStateCodeFailingSignals(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "Fix the type errors in the sync job."},
		{Role: llm.RoleTool, Content: "ERROR in src/a.ts:42 cannot read property\nTS2322: Type 'string' is not assignable to type 'number'."},
		{Role: llm.RoleUser, Content: "Apply the fix, keep behavior unchanged."},
		{Role: llm.RoleTool, Content: "ERROR in src/a.ts:42 cannot read property"},
	}
	b := Budgets{KeepLastTurns: 1, MaxStateChars: 3200, RetainToolLogs: true}
	out := CompileState(PathCode, msgs, b, "")

	body := out.StateMsg.Content
	assert.Contains(t, body, "Latest: src/a.ts:42")
	assert.Contains(t, body, "TS2322: Type 'string' is not assignable to type 'number'.")
	// the duplicate earlier ERROR line is deduped against the latest
	assert.Equal(t, 1, strings.Count(body, "src/a.ts:42 cannot read property"))
	assert.Contains(t, body, "- src/a.ts", "touched files must list src/a.ts")
}

func TestCompileStateSingleSystemMessageInvariant(t *testing.T) {
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: "You are a helpful planner."}}, talkHistory()...)
	b := Budgets{KeepLastTurns: 2, MaxStateChars: 3200}
	out := CompileState(PathTalk, msgs, b, "")

	all := append([]llm.Message{out.StateMsg}, out.Kept...)
	systemCount := 0
	for _, m := range all {
		if m.Role == llm.RoleSystem {
			systemCount++
			assert.True(t, IsStateMessage(m.Content))
		}
	}
	assert.Equal(t, 1, systemCount)
}

func TestCompileStateTruncation(t *testing.T) {
	var msgs []llm.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: strings.Repeat("the quick brown fox jumps over the lazy dog ", 10)})
	}
	b := Budgets{KeepLastTurns: 1, MaxStateChars: 400}
	out := CompileState(PathTalk, msgs, b, "")

	body := strings.TrimPrefix(out.StateMsg.Content, StateTagTalkOpen+"\n")
	body = strings.TrimSuffix(body, "\n"+StateTagTalkClose)
	assert.LessOrEqual(t, len(body), 400)
	assert.Contains(t, body, "…")
}

func TestCompileStateStripsAliasMarkers(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "The rollout must follow the plan in [[R3]] and stay dark until launch."},
		{Role: llm.RoleUser, Content: "Ship it."},
	}
	b := Budgets{KeepLastTurns: 1, MaxStateChars: 3200}
	out := CompileState(PathTalk, msgs, b, "")
	assert.NotContains(t, out.StateMsg.Content, "[[R3]]")
}

func TestCompileStateCodemapSectionReplacesPlaceholder(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "Refactor the helpers."},
		{Role: llm.RoleUser, Content: "Go ahead."},
	}
	b := Budgets{KeepLastTurns: 1, MaxStateChars: 3200}

	without := CompileState(PathCode, msgs, b, "")
	assert.Contains(t, without.StateMsg.Content, "Key symbols: (pending)")

	with := CompileState(PathCode, msgs, b, "Key symbols:\n- parseConfig, writeReport\n")
	assert.Contains(t, with.StateMsg.Content, "parseConfig, writeReport")
	assert.NotContains(t, with.StateMsg.Content, "(pending)")
}

func TestKeepBoundary(t *testing.T) {
	msgs := talkHistory()
	assert.Equal(t, 4, keepBoundary(msgs, 1))
	assert.Equal(t, 2, keepBoundary(msgs, 2))
	assert.Equal(t, 0, keepBoundary(msgs, 3))
	assert.Equal(t, 0, keepBoundary(msgs, 10))
}

func TestExtractConstraintsDedupes(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "The job must run nightly."},
		{Role: llm.RoleUser, Content: "The job must run nightly."},
		{Role: llm.RoleUser, Content: "Reports should exclude draft entries."},
	}
	out := extractConstraints(msgs, false)
	require.Len(t, out, 2)
	assert.Equal(t, "The job must run nightly.", out[0])
}

func TestExtractConstraintsRuleOnlySkipsConfigLines(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "\"strict\": true, // must stay enabled"},
		{Role: llm.RoleUser, Content: "You must compile without optional chaining."},
	}
	out := extractConstraints(msgs, true)
	require.Len(t, out, 2)
	assert.Equal(t, "You must compile without optional chaining.", out[0])
	assert.Equal(t, "Ban: without optional chaining", out[1])
}
