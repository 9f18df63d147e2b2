package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"
)

type GeminiProvider struct {
	opts     provider.Options
	throttle *provider.Throttle
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  geminiUsageMetadata   `json:"usageMetadata"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// finish reasons that mean the candidate was cut for safety
var unsafeFinish = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
}

func New(opts provider.Options) *GeminiProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.InputPrice == 0 && opts.OutputPrice == 0 {
		opts.InputPrice = 0.0000001
		opts.OutputPrice = 0.0000004
	}
	return &GeminiProvider{
		opts:     opts,
		throttle: provider.NewThrottle(opts.RequestsPerSecond),
	}
}

func (p *GeminiProvider) Name() provider.ID {
	return provider.Gemini
}

func (p *GeminiProvider) Invoke(ctx context.Context, req *provider.AskRequest) (*provider.Envelope, error) {
	if err := p.throttle.Wait(ctx, p.Name()); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout())
	defer cancel()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(provider.KindMalformed, p.Name(), err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.opts.BaseURL, p.opts.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(provider.KindMalformed, p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.opts.APIKey)

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

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.Malformed(p.Name(), "decode response: %v", err)
	}

	if fb := geminiResp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return nil, provider.NewError(provider.KindInappropriateContent, p.Name(),
			fmt.Errorf("prompt blocked: %s", fb.BlockReason))
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, provider.Malformed(p.Name(), "gemini api returned no candidates")
	}

	candidate := geminiResp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" && unsafeFinish[candidate.FinishReason] {
		return nil, provider.NewError(provider.KindInappropriateContent, p.Name(),
			fmt.Errorf("candidate blocked: %s", candidate.FinishReason))
	}

	env, err := provider.ParseEnvelope(p.Name(), text.String())
	if err != nil {
		return nil, err
	}
	if unsafeFinish[candidate.FinishReason] {
		env.Flag(strings.ToLower(candidate.FinishReason))
	}

	usage := geminiResp.UsageMetadata
	total := usage.TotalTokenCount
	if total == 0 {
		total = usage.PromptTokenCount + usage.CandidatesTokenCount
	}
	model := geminiResp.ModelVersion
	if model == "" {
		model = p.opts.Model
	}
	env.ResponseTimeMs = time.Since(start).Milliseconds()
	env.Metadata = provider.Metadata{
		Model:  model,
		Tokens: total,
		Cost:   p.opts.Cost(usage.PromptTokenCount, usage.CandidatesTokenCount),
	}
	return env, nil
}

func (p *GeminiProvider) mapRequest(req *provider.AskRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.ConversationHistory)+1)
	for _, t := range req.ConversationHistory {
		role := "user"
		if t.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: t.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Question}},
	})

	return geminiRequest{
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: provider.SystemPrompt(req)}},
		},
		Contents: contents,
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			ResponseMimeType: "application/json",
		},
	}
}
