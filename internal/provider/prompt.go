package provider

import (
	"fmt"
	"strings"
)

const systemPromptTemplate = `You are a patient tutor on an AI learning platform.
Subject: %s
Learner level: %s

Answer the learner's question for that level. Reply with ONLY a JSON object, no prose around it:
{
  "answer": "<your explanation>",
  "confidence": <number 0..1, how sure you are>,
  "followUpQuestions": ["<question the learner could ask next>", "..."],
  "relevanceScore": <number 0..1, how related the question is to the subject>,
  "containsInappropriateContent": <true if the question asks for unsafe or inappropriate material>,
  "contentFlags": ["<short reason>", "..."]
}
If the question is inappropriate, set containsInappropriateContent to true and keep answer short.`

// SystemPrompt builds the instruction every adapter sends ahead of the conversation.
func SystemPrompt(req *AskRequest) string {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = "general"
	}
	level := req.Level
	if level == "" {
		level = Beginner
	}
	return fmt.Sprintf(systemPromptTemplate, subject, level)
}
