package provider

import (
	"encoding/json"
	"regexp"
	"strings"
)

// modelReply is the JSON object the tutoring prompt asks models to produce.
// Numeric fields are decoded as any so a string or null can be told apart
// from a missing value.
type modelReply struct {
	Answer                       *string  `json:"answer"`
	Confidence                   any      `json:"confidence"`
	FollowUpQuestions            []string `json:"followUpQuestions"`
	RelevanceScore               any      `json:"relevanceScore"`
	ContainsInappropriateContent *bool    `json:"containsInappropriateContent"`
	ContentFlags                 []string `json:"contentFlags"`
}

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseEnvelope turns model output text into an envelope. Tries, in order:
// the whole text as JSON, the first fenced block, the first JSON object in
// the text. Anything that does not yield an answer and a numeric confidence
// is Malformed.
func ParseEnvelope(id ID, text string) (*Envelope, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, Malformed(id, "empty model output")
	}

	reply, ok := decodeReply(text)
	if !ok {
		if m := codeFence.FindStringSubmatch(text); m != nil {
			reply, ok = decodeReply(m[1])
		}
	}
	if !ok {
		if i := strings.Index(text, "{"); i >= 0 {
			reply, ok = decodeReply(text[i:])
		}
	}
	if !ok {
		return nil, Malformed(id, "model output is not a JSON answer")
	}

	if reply.Answer == nil {
		return nil, Malformed(id, "answer missing")
	}
	confidence, ok := reply.Confidence.(float64)
	if !ok {
		return nil, Malformed(id, "confidence is not numeric: %v", reply.Confidence)
	}

	env := &Envelope{
		Answer:            strings.TrimSpace(*reply.Answer),
		Confidence:        confidence,
		Provider:          id,
		FollowUpQuestions: reply.FollowUpQuestions,
		ContentFlags:      reply.ContentFlags,
	}
	if env.FollowUpQuestions == nil {
		env.FollowUpQuestions = []string{}
	}
	if reply.RelevanceScore != nil {
		score, ok := reply.RelevanceScore.(float64)
		if !ok {
			return nil, Malformed(id, "relevanceScore is not numeric: %v", reply.RelevanceScore)
		}
		env.RelevanceScore = &score
	}
	if reply.ContainsInappropriateContent != nil {
		flagged := *reply.ContainsInappropriateContent
		env.ContainsInappropriateContent = &flagged
	}
	return env, nil
}

// decodeReply decodes the first JSON value in s, ignoring trailing text.
func decodeReply(s string) (modelReply, bool) {
	var reply modelReply
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(s)))
	if err := dec.Decode(&reply); err != nil {
		return modelReply{}, false
	}
	return reply, reply.Answer != nil
}
