package optimizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectyra/internal/config"
	"spectyra/internal/convstate"
	"spectyra/internal/embedder"
	"spectyra/internal/ledger"
	"spectyra/internal/llm"
	"spectyra/internal/semcache"
)

type stubProvider struct {
	mu        sync.Mutex
	calls     int
	responses []string
	lastMsgs  []llm.Message
}

func (s *stubProvider) Chat(_ context.Context, _ string, msgs []llm.Message, _ int) (llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMsgs = append([]llm.Message(nil), msgs...)
	text := "stub response"
	if s.calls < len(s.responses) {
		text = s.responses[s.calls]
	} else if len(s.responses) > 0 {
		text = s.responses[len(s.responses)-1]
	}
	s.calls++
	in := llm.EstimateMessages(msgs)
	out := llm.EstimateTokens(text)
	return llm.Completion{
		Text:  text,
		Usage: llm.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out, Estimated: true},
	}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testOptimizerConfig() config.OptimizerConfig {
	return config.OptimizerConfig{
		MaxUnits:                50,
		MaxNodes:                50,
		UnitMinChars:            40,
		UnitMaxChars:            900,
		SimilarityEdgeMin:       0.62,
		ContradictionEdgeWeight: -0.8,
		SemanticCacheTTLSeconds: 3600,
		StateTTLSeconds:         3600,
		MaxOutputTokens:         512,
		ProviderTimeoutSeconds:  10,
		CacheTimeoutSeconds:     1,
	}
}

func testPipeline(provider llm.Provider) *Pipeline {
	p := NewPipeline(testOptimizerConfig())
	p.Embedder = embedder.NewDeterministic(64, true, 0)
	p.Cache = semcache.NewMemory(time.Hour)
	p.State = convstate.NewMemory(time.Hour)
	p.Ledger = ledger.New(nil)
	p.Debug = ledger.NopDebugSink{}
	p.ProviderFor = func(string) (llm.Provider, error) { return provider, nil }
	return p
}

// longTalkHistory builds a conversation with plenty of older context so the
// context compiler has something worth compacting.
func longTalkHistory() []llm.Message {
	topics := []string{
		"inventory reconciliation keeps drifting between the warehouse ledger and the storefront counts",
		"the nightly batch recomputes aggregates for the storefront dashboards and the finance exports",
		"shipping estimates come from the carrier feed and are merged into the storefront order view",
		"returns processing posts adjustments back into the warehouse ledger within the same day",
		"the finance exports reconcile order totals against the payment processor settlement files",
		"customer support reads the storefront order view when investigating delivery complaints",
		"the carrier feed occasionally delays updates which makes shipping estimates look stale",
		"warehouse ledger adjustments are audited weekly against the physical cycle counts",
		"dashboard aggregates are cached for an hour until the nightly batch refreshes them",
		"settlement files arrive from the payment processor early in the morning on weekdays",
		"delivery complaints spike whenever the carrier feed lags the actual package scans",
		"cycle counts happen on a rolling schedule so every aisle gets counted each month",
	}
	var msgs []llm.Message
	for _, topic := range topics {
		msgs = append(msgs, llm.Message{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Context: %s. Please keep that in mind as we plan the cleanup of the pipeline. "+
				"The detail came up during the last review and the team agreed it belongs in the shared picture of the system, "+
				"so treat it as settled background rather than an open design question for the redesign discussion.", topic),
		})
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleAssistant,
			Content: fmt.Sprintf("Understood. Factoring the %s consideration into the cleanup plan.", strings.Split(topic, " ")[0]),
		})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Given all of that, what should we fix first?"})
	return msgs
}

func TestRunTalkHappyPath(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	result, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          longTalkHistory(),
		OptimizationLevel: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.ClarifyingQuestion)
	assert.Equal(t, "stub response", result.ResponseText)
	assert.False(t, result.Report.Reverted)
	assert.True(t, result.Report.Layers.ContextCompiler)
	assert.Less(t, result.Report.Tokens.InputAfter, result.Report.Tokens.InputBefore)
	assert.Positive(t, result.Report.Tokens.Saved)

	// exactly one system message, and it is the state message
	systemCount := 0
	for _, m := range result.Messages {
		if m.Role == llm.RoleSystem {
			systemCount++
			assert.True(t, IsStateMessage(m.Content))
			assert.Contains(t, m.Content, "Goal: Context: inventory reconciliation")
		}
	}
	assert.Equal(t, 1, systemCount)
	assert.Equal(t, 1, provider.callCount())
}

func TestRunContradictionShortCircuits(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	result, err := p.Run(context.Background(), Request{
		Path:     PathTalk,
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "The request must always include the tracing header on every call."},
			{Role: llm.RoleUser, Content: "The request must never include the tracing header on any call."},
		},
		OptimizationLevel: 2,
	})
	require.NoError(t, err)

	assert.True(t, result.ClarifyingQuestion)
	assert.Greater(t, result.Spectral.ContradictionEnergy, 0.0)
	assert.Equal(t, RecommendAskClarify, result.Spectral.Recommendation)
	assert.NotEmpty(t, result.ResponseText)
	assert.Zero(t, result.Usage.TotalTokens)
	assert.Zero(t, provider.callCount(), "clarify short-circuit must not call the provider")
}

func TestRunCodeFailingSignals(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	block := func(name string, lines int) string {
		return "```ts\n" + strings.Repeat("export function "+name+"(input: string): string { return input + input }\n", lines) + "```"
	}
	lastUser := "Apply the fix for the assignment error, keep behavior unchanged."
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "The build fails after the refactor. Here is the first module in question.\n\n" + block("firstHelper", 20)},
		{Role: llm.RoleAssistant, Content: "The type mismatch is in the sync job, I will trace the assignment that narrows the union."},
		{Role: llm.RoleUser, Content: "This sibling module feeds the same union type into the sync job.\n\n" + block("secondHelper", 20)},
		{Role: llm.RoleTool, Content: "ERROR in src/a.ts:42 cannot read property of undefined"},
		{Role: llm.RoleAssistant, Content: "That error points at the narrowing I mentioned, checking the widening on the helper returns."},
		{Role: llm.RoleUser, Content: "Here is one more module that consumes both helpers downstream.\n\n" + block("thirdHelper", 22)},
		{Role: llm.RoleAssistant, Content: "With all three modules visible the fix is a single annotation on the shared union alias."},
		{Role: llm.RoleUser, Content: lastUser},
		{Role: llm.RoleTool, Content: "TS2322: Type 'string' is not assignable to type 'number'."},
	}

	result, err := p.Run(context.Background(), Request{
		Path:              PathCode,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          msgs,
		OptimizationLevel: 2,
	})
	require.NoError(t, err)
	require.False(t, result.ClarifyingQuestion)

	if !result.Report.Layers.ContextCompiler {
		t.Fatalf("expected the context compiler to land, report: %+v", result.Report)
	}

	var stateBody string
	var lastUserKept, toolTailKept bool
	for _, m := range result.Messages {
		if m.Role == llm.RoleSystem && IsStateMessage(m.Content) {
			stateBody = m.Content
		}
		if m.Role == llm.RoleUser && strings.Contains(m.Content, lastUser) {
			lastUserKept = true
		}
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "TS2322") {
			toolTailKept = true
		}
	}
	require.NotEmpty(t, stateBody)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(stateBody), StateTagCodeOpen))
	assert.Contains(t, stateBody, "Latest: TS2322: Type 'string' is not assignable to type 'number'.")
	assert.Contains(t, stateBody, "src/a.ts")
	assert.True(t, lastUserKept, "last user turn must survive")
	assert.True(t, toolTailKept, "tool output after the last user turn must survive")
}

func TestRunStateCarryAcrossRequests(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)
	history := longTalkHistory()

	first, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          history,
		OptimizationLevel: 2,
		ConversationID:    "conv-42",
	})
	require.NoError(t, err)
	require.True(t, first.Report.Layers.ContextCompiler)

	// the state write is fire-and-forget; wait for it to land
	var entry convstate.Entry
	var ok bool
	require.Eventually(t, func() bool {
		entry, ok = p.State.Get(context.Background(), "conv-42")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, IsStateMessage(entry.StateMsg.Content))
	assert.NotEmpty(t, entry.LastTurn)
	assert.LessOrEqual(t, len(entry.LastTurn), 4)

	followUp := append(append([]llm.Message(nil), history...),
		llm.Message{Role: llm.RoleAssistant, Content: "stub response"},
		llm.Message{Role: llm.RoleUser, Content: "Good, now sequence the remaining work into phases."},
	)
	second, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          followUp,
		OptimizationLevel: 2,
		ConversationID:    "conv-42",
	})
	require.NoError(t, err)

	systemCount := 0
	for _, m := range second.Messages {
		if m.Role == llm.RoleSystem {
			systemCount++
			assert.True(t, IsStateMessage(m.Content))
		}
	}
	assert.Equal(t, 1, systemCount, "carried state must fold into exactly one state message")
}

func TestRunSemanticCacheHit(t *testing.T) {
	provider := &stubProvider{responses: []string{"first answer"}}
	p := testPipeline(provider)

	req := Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          longTalkHistory(),
		OptimizationLevel: 2,
	}

	first, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Report.Layers.CacheHit)
	require.Equal(t, 1, provider.callCount())

	second, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Report.Layers.CacheHit)
	assert.Equal(t, "first answer", second.ResponseText)
	assert.Zero(t, second.Usage.TotalTokens)
	assert.Equal(t, 1, provider.callCount(), "cache hit must not call the provider")
}

func TestRunPathologicalInputKeepsBaseline(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	baseline := []llm.Message{
		{Role: llm.RoleUser, Content: "Summarize the deployment runbook for the on-call rotation."},
		{Role: llm.RoleUser, Content: "Keep it to a couple of sentences at most please."},
	}
	result, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          baseline,
		OptimizationLevel: 2,
	})
	require.NoError(t, err)

	assert.False(t, result.Report.Layers.ContextCompiler)
	assert.True(t, result.Report.Layers.ProfitGated)
	assert.Equal(t, baseline, result.Messages, "rejected transforms must leave the baseline untouched")
	assert.LessOrEqual(t, result.Report.Tokens.InputAfter, result.Report.Tokens.InputBefore)
}

func TestRunDryRunSkipsProvider(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	result, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          longTalkHistory(),
		OptimizationLevel: 2,
		DryRun:            true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.ResponseText)
	assert.Zero(t, provider.callCount())
	assert.Positive(t, result.Report.Tokens.InputBefore)
}

func TestRunQualityRetryPicksBetterResponse(t *testing.T) {
	provider := &stubProvider{responses: []string{"prose without a diff", "--- a/x\n+++ b/x\n@@ -1 +1 @@"}}
	p := testPipeline(provider)

	result, err := p.Run(context.Background(), Request{
		Path:              PathCode,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          longTalkHistory(),
		OptimizationLevel: 2,
		QualityChecks:     []QualityCheck{{Name: "has-diff", Pattern: `(?m)^\+\+\+ `}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.callCount(), "one retry with relaxed policy")
	assert.Contains(t, result.ResponseText, "+++ b/x")
	assert.Empty(t, result.Report.QualityFailures)
}

func TestRunInvalidInput(t *testing.T) {
	p := testPipeline(&stubProvider{})

	_, err := p.Run(context.Background(), Request{Path: "weird", Model: "m"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = p.Run(context.Background(), Request{Path: PathTalk})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = p.Run(context.Background(), Request{Path: PathTalk, Model: "m", OptimizationLevel: 9})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRunEmptyMessagesPassthrough(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	result, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		OptimizationLevel: 2,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Equal(t, RecommendExpand, result.Spectral.Recommendation)
}

func TestRunLevelZeroStaysNearBaseline(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	baseline := longTalkHistory()
	result, err := p.Run(context.Background(), Request{
		Path:              PathTalk,
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Messages:          baseline,
		OptimizationLevel: 0,
	})
	require.NoError(t, err)

	before := result.Report.Tokens.InputBefore
	after := result.Report.Tokens.InputAfter
	assert.LessOrEqual(t, after, before)
	// level 0 skips the bulk transforms entirely: within 5% of baseline
	assert.GreaterOrEqual(t, float64(after), float64(before)*0.95, "no harmful shrink or expansion at level 0")
	assert.False(t, result.Report.Layers.ContextCompiler)
	assert.False(t, result.Report.Layers.Phrasebook)
}

func TestRunBaselineMode(t *testing.T) {
	provider := &stubProvider{}
	p := testPipeline(provider)

	msgs := longTalkHistory()
	result, err := p.RunBaseline(context.Background(), Request{
		Path:     PathTalk,
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Messages: msgs,
	})
	require.NoError(t, err)
	assert.Equal(t, msgs, result.Messages)
	assert.Equal(t, result.BaselineTokens, result.OptimizedTokens)
	assert.Equal(t, "stub response", result.ResponseText)
	assert.Equal(t, 1, provider.callCount())
}
