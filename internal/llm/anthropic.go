package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"spectyra/internal/config"
	"spectyra/internal/observability"
)

const anthropicDefaultMaxTokens int64 = 1024

// AnthropicClient adapts the Anthropic messages API to the Provider interface.
type AnthropicClient struct {
	sdk   anthropic.Client
	model string
}

// NewAnthropic builds an Anthropic provider from config.
func NewAnthropic(cfg config.AnthropicConfig, httpClient *http.Client) *AnthropicClient {
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
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicClient{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *AnthropicClient) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// adaptAnthropicMessages splits system turns out (Anthropic carries system as
// a top-level param) and converts the rest.
func adaptAnthropicMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("messages required")
	}
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out, nil
}

// Chat implements Provider.
func (c *AnthropicClient) Chat(ctx context.Context, model string, msgs []Message, maxOutputTokens int) (Completion, error) {
	effective := c.pickModel(model)

	system, converted, err := adaptAnthropicMessages(msgs)
	if err != nil {
		return Completion{}, err
	}

	maxTokens := anthropicDefaultMaxTokens
	if maxOutputTokens > 0 {
		maxTokens = int64(maxOutputTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(effective),
		Messages:  converted,
		System:    system,
		MaxTokens: maxTokens,
	}

	ctx, span := StartRequestSpan(ctx, "Anthropic Chat", effective, len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	logger := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("model", effective).Dur("duration", dur).Msg("anthropic_chat_error")
		return Completion{}, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(v.Text)
		}
	}

	out := Completion{Text: sb.String()}
	out.Usage = Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage = estimatedUsage(msgs, out.Text)
	}

	RecordTokenAttributes(span, out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.TotalTokens)
	RecordTokenMetrics(effective, out.Usage.InputTokens, out.Usage.OutputTokens)
	logger.Debug().Str("model", effective).Dur("duration", dur).Int("total_tokens", out.Usage.TotalTokens).Msg("anthropic_chat_ok")
	return out, nil
}
