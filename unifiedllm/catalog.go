package unifiedllm

import "strings"

// ModelInfo describes a model offered to callers.
type ModelInfo struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Provider             string   `json:"provider"`
	ProviderModel        string   `json:"provider_model"` // identifier sent to the provider API
	ContextWindow        int      `json:"context_window"`
	MaxOutput            int      `json:"max_output"`
	SupportsReasoning    bool     `json:"supports_reasoning"`
	InputCostPerMillion  float64  `json:"input_cost_per_million"`
	OutputCostPerMillion float64  `json:"output_cost_per_million"`
	Aliases              []string `json:"aliases,omitempty"`
}

// DefaultModel is used when a request names no model.
const DefaultModel = "anthropic/claude-sonnet-4.5"

// Models is the built-in catalog. Order is the order offered to callers.
var Models = []ModelInfo{
	{
		ID: "anthropic/claude-4-sonnet", Name: "Claude 4 Sonnet", Provider: "anthropic",
		ProviderModel: "claude-sonnet-4-0", ContextWindow: 200000, MaxOutput: 16384,
		InputCostPerMillion: 3.0, OutputCostPerMillion: 15.0,
		Aliases: []string{"claude-4-sonnet", "claude-sonnet-4-0"},
	},
	{
		ID: "anthropic/claude-sonnet-4.5", Name: "Claude 4.5 Sonnet", Provider: "anthropic",
		ProviderModel: "claude-sonnet-4-5", ContextWindow: 200000, MaxOutput: 16384,
		InputCostPerMillion: 3.0, OutputCostPerMillion: 15.0,
		Aliases: []string{"claude-sonnet-4.5", "claude-sonnet-4-5", "sonnet"},
	},
	{
		ID: "anthropic/claude-haiku-4-5-20251001", Name: "Claude 4.5 Haiku", Provider: "anthropic",
		ProviderModel: "claude-haiku-4-5", ContextWindow: 200000, MaxOutput: 8192,
		SupportsReasoning:   true,
		InputCostPerMillion: 1.0, OutputCostPerMillion: 5.0,
		Aliases: []string{"claude-haiku-4-5", "haiku"},
	},
}

// GetModelInfo returns the catalog entry for a model id or alias, or nil if unknown.
// A "provider:model" form is accepted as well as "provider/model".
func GetModelInfo(modelID string) *ModelInfo {
	id := strings.Replace(modelID, ":", "/", 1)
	for i := range Models {
		if Models[i].ID == id {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// ResolveProviderModel maps a catalog id to the provider's own identifier.
// Unknown ids pass through unchanged.
func ResolveProviderModel(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.ProviderModel
	}
	return modelID
}
