package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestBedrockClient_Complete(t *testing.T) {
	api := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: " Olá! "}},
		}},
		StopReason: brtypes.StopReasonEndTurn,
		Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(3), TotalTokens: aws.Int32(13)},
	}}
	client := NewBedrockClient(api, "model-x")

	resp, err := client.Complete(context.Background(), LLMRequest{
		System:      []string{"regras", " "},
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: "Oi"}, {Role: ChatRoleAssistant, Content: ""}},
		MaxTokens:   100,
		Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "Olá!", resp.Text)
	assert.Equal(t, int32(13), resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.StopReason)

	require.NotNil(t, api.input)
	assert.Equal(t, "model-x", aws.ToString(api.input.ModelId))
	assert.Len(t, api.input.System, 1)
	assert.Len(t, api.input.Messages, 1)
	assert.Equal(t, int32(100), aws.ToInt32(api.input.InferenceConfig.MaxTokens))
}

func TestBedrockClient_UnsupportedRole(t *testing.T) {
	client := NewBedrockClient(&fakeConverse{}, "model-x")
	_, err := client.Complete(context.Background(), LLMRequest{Messages: []ChatMessage{{Role: "tool", Content: "x"}}})
	assert.Error(t, err)
}

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestOpenAIClient_Complete(t *testing.T) {
	chat := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "Claro!"}, FinishReason: openai.FinishReasonStop}},
		Usage:   openai.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}}
	client := newOpenAIClient(chat, "gpt-4o-mini")

	resp, err := client.Complete(context.Background(), LLMRequest{
		System:   []string{"regras"},
		Messages: []ChatMessage{{Role: ChatRoleUser, Content: "Oi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Claro!", resp.Text)
	assert.Equal(t, int32(7), resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o-mini", chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, chat.req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, chat.req.Messages[1].Role)
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	client := newOpenAIClient(&fakeChat{}, "")
	_, err := client.Complete(context.Background(), LLMRequest{Messages: []ChatMessage{{Role: ChatRoleUser, Content: "Oi"}}})
	assert.Error(t, err)
}

func TestGeminiHistory(t *testing.T) {
	history, last, err := geminiHistory([]ChatMessage{
		{Role: ChatRoleSystem, Content: "ignored"},
		{Role: ChatRoleUser, Content: "Oi"},
		{Role: ChatRoleAssistant, Content: "Olá"},
		{Role: ChatRoleUser, Content: "Preço?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Preço?", last)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)

	_, _, err = geminiHistory(nil)
	assert.Error(t, err)
}

func TestFallbackClient(t *testing.T) {
	t.Run("primary succeeds", func(t *testing.T) {
		primary := &fakeLLM{resp: LLMResponse{Text: "primary"}}
		secondary := &fakeLLM{resp: LLMResponse{Text: "secondary"}}
		resp, err := NewFallbackClient(primary, secondary, nil).Complete(context.Background(), LLMRequest{})
		require.NoError(t, err)
		assert.Equal(t, "primary", resp.Text)
		assert.Zero(t, secondary.calls())
	})

	t.Run("falls back on error", func(t *testing.T) {
		primary := &fakeLLM{err: errors.New("down")}
		secondary := &fakeLLM{resp: LLMResponse{Text: "secondary"}}
		resp, err := NewFallbackClient(primary, secondary, nil).Complete(context.Background(), LLMRequest{})
		require.NoError(t, err)
		assert.Equal(t, "secondary", resp.Text)
	})

	t.Run("no fallback returns primary error", func(t *testing.T) {
		primary := &fakeLLM{err: errors.New("down")}
		_, err := NewFallbackClient(primary, nil, nil).Complete(context.Background(), LLMRequest{})
		assert.EqualError(t, err, "down")
	})

	t.Run("expired context skips fallback", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		primary := &fakeLLM{err: context.Canceled}
		secondary := &fakeLLM{resp: LLMResponse{Text: "secondary"}}
		_, err := NewFallbackClient(primary, secondary, nil).Complete(ctx, LLMRequest{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, secondary.calls())
	})
}

func TestNewLLMClient_UnknownProvider(t *testing.T) {
	_, err := NewLLMClient(context.Background(), "llama", "", ProviderConfig{})
	assert.Error(t, err)

	_, err = NewLLMClient(context.Background(), ProviderOpenAI, "", ProviderConfig{})
	assert.Error(t, err)
}
