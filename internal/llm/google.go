package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"spectyra/internal/config"
	"spectyra/internal/observability"
)

// GoogleClient adapts the Gemini generate-content API to the Provider
// interface.
type GoogleClient struct {
	client      *genai.Client
	model       string
	httpOptions genai.HTTPOptions
}

// NewGoogle builds a Gemini provider from config.
func NewGoogle(cfg config.GoogleConfig, httpClient *http.Client) (*GoogleClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}

	httpOpts := genai.HTTPOptions{}
	if cfg.Timeout > 0 {
		t := time.Duration(cfg.Timeout) * time.Second
		httpOpts.Timeout = &t
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	return &GoogleClient{client: client, model: model, httpOptions: httpOpts}, nil
}

func (c *GoogleClient) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// toContents maps chat turns onto Gemini content parts. Gemini has no system
// role in contents; system turns ride along as user parts.
func toContents(msgs []Message) ([]*genai.Content, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages required")
	}
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return contents, nil
}

// Chat implements Provider.
func (c *GoogleClient) Chat(ctx context.Context, model string, msgs []Message, maxOutputTokens int) (Completion, error) {
	effective := c.pickModel(model)

	contents, err := toContents(msgs)
	if err != nil {
		return Completion{}, err
	}

	cfg := &genai.GenerateContentConfig{HTTPOptions: &c.httpOptions}
	if maxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(maxOutputTokens)
	}

	ctx, span := StartRequestSpan(ctx, "Google Chat", effective, len(msgs))
	defer span.End()
	LogRedactedPrompt(ctx, msgs)
	logger := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, effective, contents, cfg)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("model", effective).Dur("duration", dur).Msg("google_chat_error")
		return Completion{}, err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Completion{}, fmt.Errorf("google: no candidates in response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Completion{}, fmt.Errorf("google: request blocked: %s", resp.PromptFeedback.BlockReason)
	}

	var sb strings.Builder
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part != nil && part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}

	out := Completion{Text: sb.String()}
	if um := resp.UsageMetadata; um != nil {
		out.Usage = Usage{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
			TotalTokens:  int(um.TotalTokenCount),
		}
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage = estimatedUsage(msgs, out.Text)
	}

	RecordTokenAttributes(span, out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.TotalTokens)
	RecordTokenMetrics(effective, out.Usage.InputTokens, out.Usage.OutputTokens)
	logger.Debug().Str("model", effective).Dur("duration", dur).Int("total_tokens", out.Usage.TotalTokens).Msg("google_chat_ok")
	return out, nil
}
