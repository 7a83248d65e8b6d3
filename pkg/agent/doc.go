// Package agent builds the backend clients the story pipeline talks to.
//
// Each client is a raw provider implementation (Anthropic, OpenAI, Gemini or
// Ollama) wrapped in the standard middleware chain: usage metrics, failure
// logging, retry with backoff, empty-response validation and a per-call
// timeout. Callers pick a client by tier; the configured model name decides
// the provider.
//
// Provider implementations live under internal/ and are reachable only
// through the factory.
package agent
