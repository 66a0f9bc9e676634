package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"spectyra/internal/config"
	"spectyra/internal/convstate"
	"spectyra/internal/embedder"
	"spectyra/internal/ledger"
	"spectyra/internal/llm"
	"spectyra/internal/observability"
	"spectyra/internal/semcache"
)

// Pipeline wires the optimizer to its collaborators. One Pipeline serves the
// whole process; per-request state lives on the stack of Run.
type Pipeline struct {
	ProviderFor func(name string) (llm.Provider, error)
	Embedder    embedder.Embedder
	Cache       semcache.Store
	State       convstate.Store
	Ledger      ledger.Store
	Debug       ledger.DebugSink
	Cfg         config.OptimizerConfig

	est *llm.EstimateCache
}

// NewPipeline builds a pipeline with a shared estimate cache.
func NewPipeline(cfg config.OptimizerConfig) *Pipeline {
	return &Pipeline{
		Cfg: cfg,
		est: llm.NewEstimateCache(0, 0),
	}
}

var tracer = otel.Tracer("internal/optimizer")

// Run executes the optimized pipeline for one request.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "optimizer.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("optimizer.run_id", runID),
		attribute.String("optimizer.path", string(req.Path)),
		attribute.String("optimizer.model", req.Model),
	)
	logger := observability.LoggerWithTrace(ctx)

	baseline := req.Messages
	baselineTokens := p.est.EstimateMessages(baseline)

	// STATE-CARRY
	working := p.carryState(ctx, req)

	// UNITIZE
	units := Unitize(req.Path, working, UnitizerOptions{
		MinChars: p.Cfg.UnitMinChars,
		MaxChars: p.Cfg.UnitMaxChars,
		MaxUnits: p.Cfg.MaxUnits,
	})

	// EMBED: fail-fast, the analyzer cannot run on partial embeddings
	if len(units) > 0 && p.Embedder != nil {
		texts := make([]string, len(units))
		for i, u := range units {
			texts[i] = u.Text
		}
		vecs, err := p.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: embedder: %v", ErrUpstreamUnavailable, err)
		}
		for i := range units {
			if i < len(vecs) {
				units[i].Embedding = vecs[i]
			}
		}
	}

	// GRAPH + SPECTRAL
	graph := BuildGraph(req.Path, units, GraphOptions{
		MaxNodes:                p.Cfg.MaxNodes,
		SimilarityEdgeMin:       p.Cfg.SimilarityEdgeMin,
		ContradictionEdgeWeight: p.Cfg.ContradictionEdgeWeight,
	})
	res := Analyze(graph, req.History, AnalyzeOptions{})
	span.SetAttributes(
		attribute.Float64("optimizer.lambda2", res.Lambda2),
		attribute.Float64("optimizer.stability", res.StabilityIndex),
		attribute.String("optimizer.recommendation", string(res.Recommendation)),
	)
	p.writeDebugSignals(runID, req, res)

	result := &Result{
		RunID:          runID,
		Spectral:       res,
		BaselineTokens: baselineTokens,
	}
	result.Report.Spectral = SpectralReport{
		NNodes:         res.NNodes,
		NEdges:         res.NEdges,
		StabilityIndex: res.StabilityIndex,
		Lambda2:        res.Lambda2,
	}

	// ASK_CLARIFY short-circuit
	if res.Recommendation == RecommendAskClarify {
		result.ClarifyingQuestion = true
		result.ResponseText = clarifyingQuestion(graph, res)
		result.Messages = baseline
		result.OptimizedTokens = baselineTokens
		result.Report.Tokens = tokensReport(baselineTokens, baselineTokens)
		logger.Info().Str("run_id", runID).Msg("optimizer_ask_clarify")
		return result, nil
	}

	// BUDGETS + transforms
	candidate, layers := p.transform(ctx, req, working, res)
	if layers.ContextCompiler {
		if err := checkSingleStateMessage(candidate); err != nil {
			return nil, err
		}
	}

	// FINAL SIZE GUARD against the untouched baseline
	final, reverted := finalSizeGuard(baseline, candidate, p.est)
	result.Messages = final
	result.Report.Reverted = reverted
	result.Report.Layers = layers
	result.OptimizedTokens = p.est.EstimateMessages(final)
	result.Report.Tokens = tokensReport(baselineTokens, result.OptimizedTokens)

	// CACHE LOOKUP
	cacheKey := p.cacheKey(units, res, req)
	result.Report.Layers.SemanticCache = p.Cache != nil
	if p.Cache != nil {
		cctx, cancel := p.cacheCtx(ctx)
		cached, hit := p.Cache.Get(cctx, cacheKey)
		cancel()
		if hit {
			result.ResponseText = cached
			result.Report.Layers.CacheHit = true
			p.persistOutcome(req, result, final)
			logger.Info().Str("run_id", runID).Str("cache_key", cacheKey).Msg("optimizer_cache_hit")
			return result, nil
		}
	}

	if req.DryRun {
		return result, nil
	}

	// PROVIDER CALL
	provider, err := p.ProviderFor(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	completion, err := p.chat(ctx, provider, req.Model, final)
	if err != nil {
		return nil, fmt.Errorf("%w: provider: %v", ErrUpstreamUnavailable, err)
	}
	result.ResponseText = completion.Text
	result.Usage = completion.Usage

	// QUALITY CHECK + single relaxed retry
	failures := EvaluateQuality(completion.Text, req.QualityChecks)
	if len(failures) > 0 {
		logger.Warn().Str("run_id", runID).Strs("failures", failures).Msg("optimizer_quality_failed_retrying")
		retryMsgs := p.relaxedPrompt(ctx, req, working, res, baseline)
		retryCompletion, retryErr := p.chatRelaxed(ctx, provider, req.Model, retryMsgs)
		if retryErr == nil {
			retryFailures := EvaluateQuality(retryCompletion.Text, req.QualityChecks)
			if betterResponse(failures, retryFailures) {
				result.ResponseText = retryCompletion.Text
				result.Usage = retryCompletion.Usage
				result.Messages = retryMsgs
				result.OptimizedTokens = p.est.EstimateMessages(retryMsgs)
				result.Report.Tokens = tokensReport(baselineTokens, result.OptimizedTokens)
				failures = retryFailures
			}
		}
		result.Report.QualityFailures = failures
	}

	// CACHE STORE: never with a cancelled call's output
	if p.Cache != nil && len(failures) == 0 && ctx.Err() == nil {
		cctx, cancel := p.cacheCtx(context.WithoutCancel(ctx))
		p.Cache.Set(cctx, cacheKey, result.ResponseText)
		cancel()
	}

	p.persistOutcome(req, result, result.Messages)
	return result, nil
}

// RunBaseline sends the messages upstream untouched. Used for mode=baseline
// and for verified-savings replays.
func (p *Pipeline) RunBaseline(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	provider, err := p.ProviderFor(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tokens := p.est.EstimateMessages(req.Messages)
	result := &Result{
		RunID:           uuid.NewString(),
		Messages:        req.Messages,
		BaselineTokens:  tokens,
		OptimizedTokens: tokens,
	}
	result.Report.Tokens = tokensReport(tokens, tokens)
	if req.DryRun {
		return result, nil
	}
	completion, err := p.chat(ctx, provider, req.Model, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: provider: %v", ErrUpstreamUnavailable, err)
	}
	result.ResponseText = completion.Text
	result.Usage = completion.Usage
	return result, nil
}

func validate(req Request) error {
	if !req.Path.Valid() {
		return fmt.Errorf("%w: path must be talk or code", ErrInvalidInput)
	}
	if req.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidInput)
	}
	if req.OptimizationLevel < 0 || req.OptimizationLevel > 4 {
		return fmt.Errorf("%w: optimization_level must be 0..4", ErrInvalidInput)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, m.Role)
		}
	}
	return nil
}

// carryState prepends the prior conversation state, when any.
func (p *Pipeline) carryState(ctx context.Context, req Request) []llm.Message {
	if req.ConversationID == "" || p.State == nil {
		return req.Messages
	}
	cctx, cancel := p.cacheCtx(ctx)
	defer cancel()
	entry, ok := p.State.Get(cctx, req.ConversationID)
	if !ok {
		return req.Messages
	}
	carried := make([]llm.Message, 0, len(req.Messages)+1+len(entry.LastTurn))
	if entry.StateMsg.Content != "" {
		carried = append(carried, entry.StateMsg)
	}
	carried = append(carried, entry.LastTurn...)
	return append(carried, req.Messages...)
}

// transform runs the profit-gated transform chain and returns the candidate
// prompt plus the layer report.
func (p *Pipeline) transform(ctx context.Context, req Request, working []llm.Message, res *SpectralResult) ([]llm.Message, LayersReport) {
	var layers LayersReport
	_, span := tracer.Start(ctx, "optimizer.transform")
	defer span.End()

	budgets := PlanBudgets(res, req.OptimizationLevel)
	gate := newProfitGate(req.Path, p.est)
	candidate := working

	// SCC, with the CodeMap digest folded into the state body on the code
	// path. The SCC is authoritative: when it lands, refpack and phrasebook
	// stay off.
	if req.OptimizationLevel >= 1 {
		kept := candidate
		codemapSection := ""
		codemapApplied := false
		if req.Path == PathCode {
			cm := ExtractCodeMap(kept)
			if compressed, section, ok := CompressCode(kept, cm, budgets.CodemapDetailLevel); ok {
				kept = compressed
				codemapSection = section
				codemapApplied = true
			}
		}
		compiled := CompileState(req.Path, kept, budgets, codemapSection)
		withState := append([]llm.Message{compiled.StateMsg}, compiled.Kept...)
		if accepted, ok := gate.accept(candidate, withState); ok {
			candidate = accepted
			layers.ContextCompiler = true
			layers.Codemap = codemapApplied
		} else {
			layers.ProfitGated = true
		}
	}

	// STE only when the SCC did not land
	if !layers.ContextCompiler && req.OptimizationLevel >= 2 {
		if encoded, ok := EncodePhrases(candidate); ok {
			if accepted, accept := gate.accept(candidate, encoded); accept {
				candidate = accepted
				layers.Phrasebook = true
			} else {
				layers.ProfitGated = true
			}
		}
	}

	// POLICY
	policy := PlanPolicy(req.Path, res, false)
	candidate = ApplyPolicy(req.Path, candidate, policy, layers.ContextCompiler)

	return candidate, layers
}

// relaxedPrompt rebuilds the prompt for the quality retry: compaction and
// trimming off, patch-mode off.
func (p *Pipeline) relaxedPrompt(ctx context.Context, req Request, working []llm.Message, res *SpectralResult, baseline []llm.Message) []llm.Message {
	candidate := ApplyPolicy(req.Path, working, PlanPolicy(req.Path, res, true), false)
	final, _ := finalSizeGuard(baseline, candidate, p.est)
	return final
}

func (p *Pipeline) chat(ctx context.Context, provider llm.Provider, model string, msgs []llm.Message) (llm.Completion, error) {
	return p.chatBudget(ctx, provider, model, msgs, p.Cfg.MaxOutputTokens)
}

// chatRelaxed doubles the output budget for the quality retry.
func (p *Pipeline) chatRelaxed(ctx context.Context, provider llm.Provider, model string, msgs []llm.Message) (llm.Completion, error) {
	return p.chatBudget(ctx, provider, model, msgs, p.Cfg.MaxOutputTokens*2)
}

func (p *Pipeline) chatBudget(ctx context.Context, provider llm.Provider, model string, msgs []llm.Message, budget int) (llm.Completion, error) {
	timeout := time.Duration(p.Cfg.ProviderTimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return provider.Chat(ctx, model, msgs, budget)
}

func (p *Pipeline) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(p.Cfg.CacheTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// cacheKey derives the semantic cache key from the stable units and the
// spectral signature.
func (p *Pipeline) cacheKey(units []Unit, res *SpectralResult, req Request) string {
	var stableIDs []string
	for _, idx := range res.Stable {
		if idx >= 0 && idx < len(units) {
			stableIDs = append(stableIDs, units[idx].ID)
		}
	}
	var embeddings [][]float32
	for _, u := range units {
		if len(u.Embedding) > 0 {
			embeddings = append(embeddings, u.Embedding)
		}
	}
	return semcache.BuildKey(stableIDs, embeddings, req.Model, string(req.Path), res.StabilityIndex, res.Lambda2)
}

// persistOutcome writes conversation state and the savings ledger record.
// Both are fire-and-forget; neither can fail the request.
func (p *Pipeline) persistOutcome(req Request, result *Result, final []llm.Message) {
	if p.State != nil && req.ConversationID != "" {
		entry := stateEntry(final)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p.State.Set(ctx, req.ConversationID, entry)
		}()
	}
	if p.Ledger != nil {
		record := p.ledgerRecord(req, result)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p.Ledger.Write(ctx, record)
		}()
	}
}

// stateEntry extracts the state message (by bracket tag) and the non-system
// messages among the last four messages for the next request.
func stateEntry(final []llm.Message) convstate.Entry {
	var entry convstate.Entry
	for _, m := range final {
		if m.Role == llm.RoleSystem && IsStateMessage(m.Content) {
			entry.StateMsg = m
			break
		}
	}
	n := len(final)
	start := n - 4
	if start < 0 {
		start = 0
	}
	for _, m := range final[start:] {
		if m.Role == llm.RoleSystem {
			continue
		}
		entry.LastTurn = append(entry.LastTurn, m)
	}
	return entry
}

func (p *Pipeline) ledgerRecord(req Request, result *Result) ledger.Record {
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	confidence := "medium"
	if !llm.KnownModel(req.Model) {
		confidence = "low"
	}
	optimizedTokens := result.OptimizedTokens
	if result.Report.Layers.CacheHit {
		optimizedTokens = 0
	}
	return ledger.Record{
		WorkloadKey:       ledger.WorkloadKey(string(req.Path), req.Provider, req.Model, promptChars),
		Path:              string(req.Path),
		Provider:          req.Provider,
		Model:             req.Model,
		OptimizationLevel: req.OptimizationLevel,
		BaselineTokens:    result.BaselineTokens,
		OptimizedTokens:   optimizedTokens,
		BaselineCost:      llm.Cost(req.Model, result.BaselineTokens, 0),
		OptimizedCost:     llm.Cost(req.Model, optimizedTokens, 0),
		Confidence:        confidence,
		SavingsType:       ledger.SavingsEstimated,
		CreatedAt:         time.Now().UTC(),
	}
}

func (p *Pipeline) writeDebugSignals(runID string, req Request, res *SpectralResult) {
	if p.Debug == nil || !p.Cfg.StoreDebugSignals {
		return
	}
	payload, err := json.Marshal(res.DebugSignals())
	if err != nil {
		return
	}
	row := ledger.DebugSignalRow{
		RunID:          runID,
		ConversationID: req.ConversationID,
		Path:           string(req.Path),
		Model:          req.Model,
		Lambda2:        res.Lambda2,
		StabilityIndex: res.StabilityIndex,
		Signals:        payload,
		CreatedAt:      time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Debug.Write(ctx, row)
	}()
}

func tokensReport(before, after int) TokensReport {
	saved := before - after
	pct := 0.0
	if before > 0 {
		pct = float64(saved) / float64(before) * 100
	}
	return TokensReport{
		Estimated:   true,
		InputBefore: before,
		InputAfter:  after,
		Saved:       saved,
		PctSaved:    pct,
	}
}

// checkSingleStateMessage enforces the compiled-prompt invariant: exactly
// one system message, and it must be the state message.
func checkSingleStateMessage(msgs []llm.Message) error {
	count := 0
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			count++
			if !IsStateMessage(m.Content) {
				return fmt.Errorf("%w: system message without state tag after compilation", ErrInvariantViolation)
			}
		}
	}
	if count != 1 {
		return fmt.Errorf("%w: expected exactly 1 system message after compilation, found %d", ErrInvariantViolation, count)
	}
	return nil
}

// clarifyingQuestion renders the short-circuit response for ASK_CLARIFY.
func clarifyingQuestion(g *Graph, res *SpectralResult) string {
	var conflict string
	worst := 0.0
	for _, e := range g.Edges {
		if e.Type == EdgeContradiction && e.W < 0 && -e.W > worst {
			worst = -e.W
			a := truncateWithEllipsis(strings.TrimSpace(g.Units[e.I].Text), 90)
			b := truncateWithEllipsis(strings.TrimSpace(g.Units[e.J].Text), 90)
			conflict = fmt.Sprintf("\n- %q\n- %q", a, b)
		}
	}
	if conflict != "" {
		return "Before I continue, these two statements seem to conflict:" + conflict + "\nWhich one should apply?"
	}
	return "Before I continue: the conversation has become hard to follow reliably. Could you restate the current goal and any constraints that still apply?"
}
