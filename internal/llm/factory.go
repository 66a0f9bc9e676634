package llm

import (
	"fmt"
	"net/http"

	"spectyra/internal/config"
)

// BuildProvider constructs a Provider for the given name. Empty defaults to
// the configured default provider.
func BuildProvider(name string, cfg config.Config, httpClient *http.Client) (Provider, error) {
	if name == "" {
		name = cfg.Provider
	}
	switch name {
	case "", "openai":
		return NewOpenAI(cfg.OpenAI, httpClient), nil
	case "anthropic":
		return NewAnthropic(cfg.Anthropic, httpClient), nil
	case "google":
		return NewGoogle(cfg.Google, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", name)
	}
}
