package llm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrModelUnavailable is returned when a requested model cannot be served
// with the configured API keys.
var ErrModelUnavailable = errors.New("model unavailable")

// Provider names used for routing.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ModelInfo describes a known model and its per-request sizing.
type ModelInfo struct {
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	ChunkBudget     int    `json:"chunk_budget"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

// Sizing defaults for models not in the registry.
const (
	DefaultChunkBudget     = 60_000
	DefaultMaxOutputTokens = 10_000
)

// modelRegistry maps model names to their sizing. Budgets are characters of
// input text per chunk, kept conservative so prompt scaffolding and refine
// context fit alongside the chunk.
var modelRegistry = map[string]ModelInfo{
	"gpt-3.5-turbo":     {Name: "gpt-3.5-turbo", Provider: ProviderOpenAI, ChunkBudget: 12_000, MaxOutputTokens: 2_000},
	"gpt-4":             {Name: "gpt-4", Provider: ProviderOpenAI, ChunkBudget: 60_000, MaxOutputTokens: 10_000},
	"gpt-4-turbo":       {Name: "gpt-4-turbo", Provider: ProviderOpenAI, ChunkBudget: 60_000, MaxOutputTokens: 10_000},
	"gpt-4o":            {Name: "gpt-4o", Provider: ProviderOpenAI, ChunkBudget: 60_000, MaxOutputTokens: 10_000},
	"gpt-4o-mini":       {Name: "gpt-4o-mini", Provider: ProviderOpenAI, ChunkBudget: 60_000, MaxOutputTokens: 10_000},
	"claude-3-opus":     {Name: "claude-3-opus", Provider: ProviderAnthropic, ChunkBudget: 80_000, MaxOutputTokens: 15_000},
	"claude-3-sonnet":   {Name: "claude-3-sonnet", Provider: ProviderAnthropic, ChunkBudget: 80_000, MaxOutputTokens: 15_000},
	"claude-3-5-sonnet": {Name: "claude-3-5-sonnet", Provider: ProviderAnthropic, ChunkBudget: 80_000, MaxOutputTokens: 15_000},
	"claude-3-haiku":    {Name: "claude-3-haiku", Provider: ProviderAnthropic, ChunkBudget: 40_000, MaxOutputTokens: 8_000},
}

// ProviderFor routes a model name to its provider. Unknown models fall back
// on a substring check so dated variants (gpt-4o-2024-08-06,
// claude-3-opus-20240229) route without registry entries.
func ProviderFor(model string) string {
	if info, ok := modelRegistry[model]; ok {
		return info.Provider
	}
	if strings.Contains(strings.ToLower(model), "claude") {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// Lookup resolves sizing for a model, first by exact name, then by the
// longest registry prefix, then defaults.
func Lookup(model string) ModelInfo {
	if info, ok := modelRegistry[model]; ok {
		return info
	}
	best := ""
	for name := range modelRegistry {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		info := modelRegistry[best]
		info.Name = model
		return info
	}
	return ModelInfo{
		Name:            model,
		Provider:        ProviderFor(model),
		ChunkBudget:     DefaultChunkBudget,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

// ChunkBudget returns the chunk character budget for a model.
func ChunkBudget(model string) int {
	return Lookup(model).ChunkBudget
}

// KnownModels lists all registry entries, sorted by name.
func KnownModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(modelRegistry))
	for _, info := range modelRegistry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateModel checks that a model routes to a configured provider.
func ValidateModel(model string, configured map[string]bool) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("%w: model name is empty", ErrModelUnavailable)
	}
	p := ProviderFor(model)
	if !configured[p] {
		return fmt.Errorf("%w: model %q requires the %s provider, which has no API key configured",
			ErrModelUnavailable, model, p)
	}
	return nil
}
