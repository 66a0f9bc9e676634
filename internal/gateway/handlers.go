package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"spectyra/internal/ledger"
	"spectyra/internal/llm"
	"spectyra/internal/optimizer"
)

// chatRequest is the public optimized-chat request body.
type chatRequest struct {
	Path              string                   `json:"path"`
	Provider          string                   `json:"provider"`
	Model             string                   `json:"model"`
	Messages          []llm.Message            `json:"messages"`
	Mode              string                   `json:"mode"`
	OptimizationLevel *int                     `json:"optimization_level,omitempty"`
	ConversationID    string                   `json:"conversation_id,omitempty"`
	DryRun            bool                     `json:"dry_run,omitempty"`
	QualityChecks     []optimizer.QualityCheck `json:"quality_checks,omitempty"`
}

type savingsBody struct {
	TokensSaved    int     `json:"tokens_saved"`
	PctSaved       float64 `json:"pct_saved"`
	CostSavedUSD   float64 `json:"cost_saved_usd"`
	ConfidenceBand string  `json:"confidence_band"`
	SavingsType    string  `json:"savings_type"`
}

// chatResponse is the public optimized-chat response body.
type chatResponse struct {
	RunID              string           `json:"run_id"`
	Mode               string           `json:"mode"`
	Path               string           `json:"path"`
	Provider           string           `json:"provider"`
	Model              string           `json:"model"`
	ResponseText       string           `json:"response_text"`
	Usage              llm.Usage        `json:"usage"`
	CostUSD            float64          `json:"cost_usd"`
	Savings            savingsBody      `json:"savings"`
	OptimizationReport optimizer.Report `json:"optimization_report"`
	BaselineEstimate   *int             `json:"baseline_estimate,omitempty"`
	OptimizedEstimate  *int             `json:"optimized_estimate,omitempty"`
	ExplanationSummary string           `json:"explanation_summary,omitempty"`
}

func (a *app) optimizeChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			respondErrorCode(w, http.StatusMethodNotAllowed, codeInvalidInput, "POST required")
			return
		}
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondErrorCode(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON body")
			return
		}

		mode := strings.TrimSpace(body.Mode)
		if mode == "" {
			mode = "optimized"
		}
		if mode != "baseline" && mode != "optimized" {
			respondErrorCode(w, http.StatusBadRequest, codeInvalidInput, "mode must be baseline or optimized")
			return
		}
		level := 2
		if body.OptimizationLevel != nil {
			level = *body.OptimizationLevel
		}
		provider := strings.TrimSpace(body.Provider)
		if provider == "" {
			provider = a.cfg.Provider
		}

		req := optimizer.Request{
			Path:              optimizer.Path(body.Path),
			Provider:          provider,
			Model:             strings.TrimSpace(body.Model),
			Messages:          body.Messages,
			OptimizationLevel: level,
			ConversationID:    strings.TrimSpace(body.ConversationID),
			DryRun:            body.DryRun,
			QualityChecks:     body.QualityChecks,
		}

		var result *optimizer.Result
		var err error
		if mode == "baseline" {
			result, err = a.pipeline.RunBaseline(r.Context(), req)
		} else {
			result, err = a.pipeline.Run(r.Context(), req)
		}
		if err != nil {
			respondError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, buildChatResponse(mode, req, result))
	}
}

func buildChatResponse(mode string, req optimizer.Request, result *optimizer.Result) chatResponse {
	resp := chatResponse{
		RunID:              result.RunID,
		Mode:               mode,
		Path:               string(req.Path),
		Provider:           req.Provider,
		Model:              req.Model,
		ResponseText:       result.ResponseText,
		Usage:              result.Usage,
		CostUSD:            llm.Cost(req.Model, result.Usage.InputTokens, result.Usage.OutputTokens),
		OptimizationReport: result.Report,
	}

	tokensSaved := result.BaselineTokens - result.OptimizedTokens
	if result.Report.Layers.CacheHit {
		tokensSaved = result.BaselineTokens
	}
	pct := 0.0
	if result.BaselineTokens > 0 {
		pct = float64(tokensSaved) / float64(result.BaselineTokens) * 100
	}
	band := "medium"
	if !llm.KnownModel(req.Model) {
		band = "low"
	} else if result.Report.Layers.CacheHit {
		band = "high"
	}
	resp.Savings = savingsBody{
		TokensSaved:    tokensSaved,
		PctSaved:       pct,
		CostSavedUSD:   llm.Cost(req.Model, result.BaselineTokens, 0) - llm.Cost(req.Model, result.OptimizedTokens, 0),
		ConfidenceBand: band,
		SavingsType:    ledger.SavingsEstimated,
	}

	if mode == "optimized" {
		b, o := result.BaselineTokens, result.OptimizedTokens
		resp.BaselineEstimate = &b
		resp.OptimizedEstimate = &o
		resp.ExplanationSummary = explanationSummary(result)
	}
	return resp
}

func explanationSummary(result *optimizer.Result) string {
	var parts []string
	if result.ClarifyingQuestion {
		return "analysis found unstable context; returned a clarifying question instead of calling the provider"
	}
	if result.Report.Layers.CacheHit {
		return "served from semantic cache"
	}
	if result.Report.Layers.ContextCompiler {
		parts = append(parts, "compiled older history into a state message")
	}
	if result.Report.Layers.Codemap {
		parts = append(parts, "replaced code blocks with a structural map")
	}
	if result.Report.Layers.Phrasebook {
		parts = append(parts, "aliased repeated phrases")
	}
	if result.Report.Reverted {
		parts = append(parts, "optimization reverted: baseline prompt was smaller")
	}
	if len(parts) == 0 {
		return "no transforms were profitable; prompt sent as-is"
	}
	return strings.Join(parts, "; ")
}

func (a *app) savingsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondErrorCode(w, http.StatusMethodNotAllowed, codeInvalidInput, "GET required")
			return
		}
		summary, err := a.ledger.Summarize(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("savings_summary_failed")
			respondErrorCode(w, http.StatusInternalServerError, codeInternal, "internal error")
			return
		}
		respondJSON(w, http.StatusOK, summary)
	}
}

func (a *app) metricsTokensHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			respondErrorCode(w, http.StatusMethodNotAllowed, codeInvalidInput, "GET required")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"totals": llm.TokenTotalsSnapshot(),
			"source": "in-process",
		})
	}
}
