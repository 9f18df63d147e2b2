// Package zai talks to Z.AI's Anthropic-compatible Messages endpoint.
package zai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const (
	defaultBaseURL   = "https://api.z.ai/api/anthropic/v1"
	defaultModel     = "glm-4.6"
	defaultMaxTokens = 1024
)

type ZAIProvider struct {
	opts     provider.Options
	throttle *provider.Throttle
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(opts provider.Options) *ZAIProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.InputPrice == 0 && opts.OutputPrice == 0 {
		opts.InputPrice = 0.0000006
		opts.OutputPrice = 0.0000022
	}
	return &ZAIProvider{
		opts:     opts,
		throttle: provider.NewThrottle(opts.RequestsPerSecond),
	}
}

func (p *ZAIProvider) Name() provider.ID {
	return provider.ZAI
}

func (p *ZAIProvider) Invoke(ctx context.Context, req *provider.AskRequest) (*provider.Envelope, error) {
	if err := p.throttle.Wait(ctx, p.Name()); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout())
	defer cancel()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(provider.KindMalformed, p.Name(), err)
	}

	url := fmt.Sprintf("%s/messages", p.opts.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(provider.KindMalformed, p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.opts.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := p.opts.Client().Do(httpReq)
	if err != nil {
		return nil, provider.Classify(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.FromStatus(p.Name(), resp.StatusCode, resp.Header, respBody)
	}

	var msg messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, provider.Malformed(p.Name(), "decode response: %v", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		if msg.StopReason == "refusal" {
			return nil, provider.NewError(provider.KindInappropriateContent, p.Name(), fmt.Errorf("model refused"))
		}
		return nil, provider.Malformed(p.Name(), "zai api returned no content")
	}

	env, err := provider.ParseEnvelope(p.Name(), text.String())
	if err != nil {
		return nil, err
	}
	if msg.StopReason == "refusal" {
		env.Flag("refusal")
	}

	model := msg.Model
	if model == "" {
		model = p.opts.Model
	}
	env.ResponseTimeMs = time.Since(start).Milliseconds()
	env.Metadata = provider.Metadata{
		Model:  model,
		Tokens: msg.Usage.InputTokens + msg.Usage.OutputTokens,
		Cost:   p.opts.Cost(msg.Usage.InputTokens, msg.Usage.OutputTokens),
	}
	return env, nil
}

func (p *ZAIProvider) mapRequest(req *provider.AskRequest) messagesRequest {
	messages := make([]message, 0, len(req.ConversationHistory)+1)
	for _, t := range req.ConversationHistory {
		messages = append(messages, message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, message{Role: "user", Content: req.Question})

	return messagesRequest{
		Model:     p.opts.Model,
		MaxTokens: defaultMaxTokens,
		System:    provider.SystemPrompt(req),
		Messages:  messages,
	}
}
