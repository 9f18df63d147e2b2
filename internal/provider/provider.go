package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ID names one of the upstream AI services the gateway can dispatch to.
type ID string

const (
	OpenRouter ID = "openrouter"
	Gemini     ID = "gemini"
	ZAI        ID = "zai"
)

// All is the fixed priority order used by the dispatcher.
var All = []ID{OpenRouter, Gemini, ZAI}

func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

type Level string

const (
	Beginner     Level = "beginner"
	Intermediate Level = "intermediate"
	Advanced     Level = "advanced"
)

func (l Level) Valid() bool {
	switch l {
	case Beginner, Intermediate, Advanced:
		return true
	}
	return false
}

type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type AskRequest struct {
	Question            string `json:"question"`
	Subject             string `json:"subject"`
	Level               Level  `json:"level"`
	PreferredProvider   ID     `json:"preferredProvider,omitempty"`
	SessionID           string `json:"sessionId,omitempty"`
	ConversationHistory []Turn `json:"conversationHistory,omitempty"`

	// Set by the gateway, never read from the body.
	UserID    string `json:"-"`
	RequestID string `json:"-"`
}

var ErrEmptyQuestion = errors.New("question is required")

// Validate normalizes the request in place and rejects what no provider could answer.
func (r *AskRequest) Validate() error {
	r.Question = strings.TrimSpace(r.Question)
	if r.Question == "" {
		return ErrEmptyQuestion
	}
	if r.Level == "" {
		r.Level = Beginner
	}
	if !r.Level.Valid() {
		return fmt.Errorf("invalid level %q", r.Level)
	}
	for i, t := range r.ConversationHistory {
		if t.Role != "user" && t.Role != "assistant" {
			return fmt.Errorf("conversationHistory[%d]: invalid role %q", i, t.Role)
		}
	}
	return nil
}

type Metadata struct {
	Model  string  `json:"model"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Envelope is the normalized answer every adapter returns.
type Envelope struct {
	Answer                       string   `json:"answer"`
	Confidence                   float64  `json:"confidence"`
	Provider                     ID       `json:"provider"`
	ResponseTimeMs               int64    `json:"responseTimeMs"`
	FollowUpQuestions            []string `json:"followUpQuestions"`
	Metadata                     Metadata `json:"metadata"`
	RelevanceScore               *float64 `json:"relevanceScore,omitempty"`
	ContainsInappropriateContent *bool    `json:"containsInappropriateContent,omitempty"`
	ContentFlags                 []string `json:"contentFlags,omitempty"`
}

// Flag marks the envelope as unsafe and records why.
func (e *Envelope) Flag(reason string) {
	flagged := true
	e.ContainsInappropriateContent = &flagged
	for _, f := range e.ContentFlags {
		if f == reason {
			return
		}
	}
	e.ContentFlags = append(e.ContentFlags, reason)
}

// Adapter makes one remote call to an upstream and normalizes it. Adapters
// never retry and never validate.
type Adapter interface {
	Name() ID
	Invoke(ctx context.Context, req *AskRequest) (*Envelope, error)
}

// Options configures a single adapter.
type Options struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	InputPrice        float64 // USD per token
	OutputPrice       float64
	HTTPClient        *http.Client
}

const DefaultTimeout = 8 * time.Second

func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o Options) CallTimeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// Cost prices a call using the adapter's per-token rates.
func (o Options) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*o.InputPrice + float64(outputTokens)*o.OutputPrice
}
