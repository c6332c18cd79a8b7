package prompts

import "strings"

const DefaultSystem = "You are a helpful shopping assistant speaking with a customer by voice. " +
	"Keep responses short, conversational and free of markdown, lists or emoji."

// ForSession resolves the final system prompt for a voice session.
func ForSession(systemPrompt string) string {
	if strings.TrimSpace(systemPrompt) != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// WithContext appends retrieved knowledge base context to instructions.
// Empty context leaves instructions unchanged.
func WithContext(instructions, context string) string {
	if context == "" {
		return instructions
	}
	return instructions + "\n\n" + RAGContext(context)
}

// RAGContext wraps retrieved knowledge base context into a system message.
func RAGContext(context string) string {
	return "Relevant context from knowledge base:\n" + context
}
