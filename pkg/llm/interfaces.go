// Package llm provides chat-completion clients for the semantic-extraction
// capability. Two providers are supported: any OpenAI-compatible endpoint and
// Anthropic. Use the ChatClient interface for dependency injection so tests
// can substitute the mock.
package llm

import "context"

// ChatClient is the minimal completion contract the semantic capability needs.
type ChatClient interface {
	// Complete generates a single completion for the given system message and
	// user prompt. Implementations honor ctx cancellation and deadlines.
	Complete(ctx context.Context, systemMessage, prompt string) (string, error)

	// Model returns the configured model name, for logging.
	Model() string
}

// Config holds configuration for creating a chat client.
type Config struct {
	Provider string // "openai" or "anthropic"
	BaseURL  string // optional override, e.g. a local OpenAI-compatible server
	Model    string
	APIKey   string // optional for local endpoints
}

var (
	_ ChatClient = (*OpenAIClient)(nil)
	_ ChatClient = (*AnthropicClient)(nil)
	_ ChatClient = (*MockClient)(nil)
)
