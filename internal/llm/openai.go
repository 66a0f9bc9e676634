package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"spectyra/internal/config"
	"spectyra/internal/observability"
)

// OpenAIClient adapts the OpenAI chat completions API to the Provider
// interface. It also serves OpenAI-compatible self-hosted backends via
// BaseURL.
type OpenAIClient struct {
	sdk   sdk.Client
	model string
}

// NewOpenAI builds an OpenAI provider from config.
func NewOpenAI(cfg config.OpenAIConfig, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{sdk: sdk.NewClient(opts...), model: model}
}

// isThinkingModel matches the o<N>-* reasoning model family, which rejects
// max_tokens in favor of max_completion_tokens.
func isThinkingModel(model string) bool {
	model = strings.ToLower(model)
	if !strings.HasPrefix(model, "o") {
		return false
	}
	rest := model[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}

func (c *OpenAIClient) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// Chat implements Provider.
func (c *OpenAIClient) Chat(ctx context.Context, model string, msgs []Message, maxOutputTokens int) (Completion, error) {
	effective := c.pickModel(model)

	var converted []sdk.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			converted = append(converted, sdk.SystemMessage(m.Content))
		case RoleAssistant:
			converted = append(converted, sdk.AssistantMessage(m.Content))
		default:
			// Tool results are replayed as user turns; the optimizer does not
			// carry tool-call IDs across the provider boundary.
			converted = append(converted, sdk.UserMessage(m.Content))
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(effective),
		Messages: converted,
	}
	if maxOutputTokens > 0 {
		if isThinkingModel(effective) {
			params.MaxCompletionTokens = param.NewOpt(int64(maxOutputTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(maxOutputTokens))
		}
	}

	ctx, span := StartRequestSpan(ctx, "OpenAI Chat", effective, len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	logger := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("model", effective).Dur("duration", dur).Msg("openai_chat_error")
		return Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai: no choices returned")
	}

	out := Completion{Text: resp.Choices[0].Message.Content}
	out.Usage = Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage = estimatedUsage(msgs, out.Text)
	}

	RecordTokenAttributes(span, out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.TotalTokens)
	RecordTokenMetrics(effective, out.Usage.InputTokens, out.Usage.OutputTokens)
	logger.Debug().Str("model", effective).Dur("duration", dur).Int("total_tokens", out.Usage.TotalTokens).Msg("openai_chat_ok")
	return out, nil
}

// estimatedUsage fills usage from the estimator when a backend omits it.
func estimatedUsage(msgs []Message, text string) Usage {
	in := EstimateMessages(msgs)
	outTok := EstimateTokens(text)
	return Usage{InputTokens: in, OutputTokens: outTok, TotalTokens: in + outTok, Estimated: true}
}
