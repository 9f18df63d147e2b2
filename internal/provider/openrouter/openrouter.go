// Package openrouter reaches OpenRouter through its OpenAI-compatible
// chat completions API.
package openrouter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1/"
	defaultModel   = "openai/gpt-4o-mini"
)

type OpenRouterProvider struct {
	client   openai.Client
	opts     provider.Options
	throttle *provider.Throttle
}

func New(opts provider.Options) *OpenRouterProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.InputPrice == 0 && opts.OutputPrice == 0 {
		opts.InputPrice = 0.00000015
		opts.OutputPrice = 0.0000006
	}

	client := openai.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(opts.BaseURL),
		option.WithHTTPClient(opts.Client()),
		// retries belong to the gateway's retry controller
		option.WithMaxRetries(0),
		option.WithHeader("X-Title", "tutor-gateway"),
	)

	return &OpenRouterProvider{
		client:   client,
		opts:     opts,
		throttle: provider.NewThrottle(opts.RequestsPerSecond),
	}
}

func (p *OpenRouterProvider) Name() provider.ID {
	return provider.OpenRouter
}

func (p *OpenRouterProvider) Invoke(ctx context.Context, req *provider.AskRequest) (*provider.Envelope, error) {
	if err := p.throttle.Wait(ctx, p.Name()); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout())
	defer cancel()

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.classify(err)
	}

	if len(completion.Choices) == 0 {
		return nil, provider.Malformed(p.Name(), "openrouter api returned no choices")
	}
	choice := completion.Choices[0]

	if strings.TrimSpace(choice.Message.Content) == "" && choice.FinishReason == "content_filter" {
		return nil, provider.NewError(provider.KindInappropriateContent, p.Name(), errors.New("completion filtered"))
	}

	env, err := provider.ParseEnvelope(p.Name(), choice.Message.Content)
	if err != nil {
		return nil, err
	}
	if choice.FinishReason == "content_filter" {
		env.Flag("content_filter")
	}

	model := completion.Model
	if model == "" {
		model = p.opts.Model
	}
	env.ResponseTimeMs = time.Since(start).Milliseconds()
	env.Metadata = provider.Metadata{
		Model:  model,
		Tokens: int(completion.Usage.TotalTokens),
		Cost:   p.opts.Cost(int(completion.Usage.PromptTokens), int(completion.Usage.CompletionTokens)),
	}
	return env, nil
}

func (p *OpenRouterProvider) buildParams(req *provider.AskRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.ConversationHistory)+2)
	messages = append(messages, openai.SystemMessage(provider.SystemPrompt(req)))
	for _, t := range req.ConversationHistory {
		if t.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(t.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(t.Content))
	}
	messages = append(messages, openai.UserMessage(req.Question))

	return openai.ChatCompletionNewParams{
		Model:       p.opts.Model,
		Messages:    messages,
		Temperature: openai.Float(0.2),
	}
}

func (p *OpenRouterProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		header := http.Header{}
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return provider.FromStatus(p.Name(), apiErr.StatusCode, header, []byte(apiErr.Error()))
	}
	return provider.Classify(p.Name(), err)
}
