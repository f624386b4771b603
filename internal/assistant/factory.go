package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// Supported LLM providers.
const (
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
)

const defaultBedrockModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

// ProviderConfig carries the credentials every provider might need.
type ProviderConfig struct {
	AWS           aws.Config
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewLLMClient builds the client for provider. An empty modelID selects the
// provider default.
func NewLLMClient(ctx context.Context, provider, modelID string, cfg ProviderConfig) (LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderBedrock:
		if modelID == "" {
			modelID = defaultBedrockModel
		}
		return NewBedrockClient(bedrockruntime.NewFromConfig(cfg.AWS), modelID), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg.GeminiAPIKey, modelID)
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("assistant: openai api key is required")
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, modelID), nil
	default:
		return nil, fmt.Errorf("assistant: unknown llm provider %q", provider)
	}
}
