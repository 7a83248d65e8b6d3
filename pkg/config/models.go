package config

import (
	"fmt"
	"strings"
)

// ModelInfo is the registry entry for a model: who serves it and what it costs.
// Prices are USD per million tokens.
type ModelInfo struct {
	Provider        string
	InputPerMTok    float64
	OutputPerMTok   float64
	ContextWindow   int
	MaxOutputTokens int
}

// Fallback limits for models missing from the registry.
const (
	defaultContextWindow   = 32_000
	defaultMaxOutputTokens = 4_096
)

// KnownModels prices the models storyloom is usually pointed at. Anything else
// is routed through ProviderPatterns and costs nothing in the usage metrics.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {ProviderAnthropic, 3.0, 15.0, 200_000, 8_192},
	"claude-haiku-4-5":  {ProviderAnthropic, 1.0, 5.0, 200_000, 8_192},
	"claude-opus-4-1":   {ProviderAnthropic, 15.0, 75.0, 200_000, 8_192},
	"gpt-4o":            {ProviderOpenAI, 2.5, 10.0, 128_000, 16_384},
	"gpt-4o-mini":       {ProviderOpenAI, 0.15, 0.6, 128_000, 16_384},
	"gemini-2.5-flash":  {ProviderGoogle, 0.3, 2.5, 1_000_000, 65_536},
	"gemini-2.5-pro":    {ProviderGoogle, 1.25, 10.0, 1_000_000, 65_536},
}

// ProviderPattern routes every model whose name starts with Prefix to Provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns are tried in order after KnownModels misses.
//
//nolint:gochecknoglobals // static routing table
var ProviderPatterns = []ProviderPattern{
	{"ollama:", ProviderOllama},
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"gemma", ProviderOllama},
	{"phi", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// GetModelProvider returns the provider that serves modelName.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(modelName, p.Prefix) {
			return p.Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: no registry entry or provider prefix matches", modelName)
}

// GetModelInfo returns the registry entry for modelName. For unregistered
// models it reports false and fills in the inferred provider with fallback limits.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, ok := KnownModels[modelName]; ok {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:        provider,
		ContextWindow:   defaultContextWindow,
		MaxOutputTokens: defaultMaxOutputTokens,
	}, false
}

// CalculateCost prices one call in USD. Unregistered models are free.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, ok := KnownModels[modelName]
	if !ok {
		return 0
	}
	return (float64(promptTokens)*info.InputPerMTok + float64(completionTokens)*info.OutputPerMTok) / 1_000_000
}
