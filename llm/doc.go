// Package llm is the model-provider layer: provider-neutral request and
// response types, a typed error hierarchy with retry classification, bounded
// exponential backoff, and a routing Client with middleware.
//
// Adapters:
//
//   - GollmAdapter wraps github.com/teilomillet/gollm for any provider it supports.
//   - AnthropicAdapter uses the Anthropic Messages API.
//   - OpenAIAdapter uses the OpenAI Chat Completions API (or a compatible endpoint).
//
// Usage:
//
//	client := llm.NewClient(
//	    llm.WithProvider("anthropic", llm.NewAnthropicAdapter("", "claude-sonnet-4-5", 8192)),
//	    llm.WithMiddleware(llm.LoggingMiddleware(log.Logger)),
//	)
//	resp, err := client.Complete(ctx, llm.Request{
//	    Messages: []llm.Message{llm.UserMessage("Hello")},
//	})
package llm
