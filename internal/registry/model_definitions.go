// Package registry holds the static model profiles used to size context budgets and
// to validate per-turn feature toggles.
package registry

// ThinkingSupport describes the reasoning-budget range a model accepts.
type ThinkingSupport struct {
	Min            int  `json:"min"`
	Max            int  `json:"max"`
	ZeroAllowed    bool `json:"zero_allowed"`
	DynamicAllowed bool `json:"dynamic_allowed"`
}

// ModelProfile is everything the engine needs to know about one model.
type ModelProfile struct {
	ID          string `json:"id"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version,omitempty"`

	// TotalTokens is the full context window, prompt and output together.
	TotalTokens int `json:"total_tokens"`
	// OutputReserve is withheld from the prompt budget for the response.
	OutputReserve int `json:"output_reserve"`
	// MaxOutputTokens is sent to the provider as the generation cap.
	MaxOutputTokens int `json:"max_output_tokens"`

	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`

	SupportsMultimodal    bool `json:"supports_multimodal"`
	SupportsReasoning     bool `json:"supports_reasoning"`
	SupportsGrounding     bool `json:"supports_grounding"`
	SupportsCodeExecution bool `json:"supports_code_execution"`
	// SupportsToolCombination allows grounding and code execution in one call.
	SupportsToolCombination bool `json:"supports_tool_combination"`

	Thinking *ThinkingSupport `json:"thinking,omitempty"`
}

// DefaultProfile is applied to models the registry does not know. It is sized
// conservatively so an unknown model never gets an oversized prompt.
var DefaultProfile = ModelProfile{
	ID:              "default",
	DisplayName:     "Unknown model",
	TotalTokens:     32768,
	OutputReserve:   4096,
	MaxOutputTokens: 4096,
	Temperature:     0.7,
	TopP:            0.95,
}

// GetGeminiModels returns the built-in Gemini profiles.
func GetGeminiModels() []ModelProfile {
	return []ModelProfile{
		{
			ID:                      "gemini-2.5-pro",
			OwnedBy:                 "google",
			DisplayName:             "Gemini 2.5 Pro",
			Version:                 "2.5",
			TotalTokens:             1048576,
			OutputReserve:           8192,
			MaxOutputTokens:         8192,
			Temperature:             1.0,
			TopP:                    0.95,
			SupportsMultimodal:      true,
			SupportsReasoning:       true,
			SupportsGrounding:       true,
			SupportsCodeExecution:   true,
			SupportsToolCombination: true,
			Thinking:                &ThinkingSupport{Min: 128, Max: 32768, ZeroAllowed: false, DynamicAllowed: true},
		},
		{
			ID:                    "gemini-2.5-flash",
			OwnedBy:               "google",
			DisplayName:           "Gemini 2.5 Flash",
			Version:               "2.5",
			TotalTokens:           1048576,
			OutputReserve:         8192,
			MaxOutputTokens:       8192,
			Temperature:           1.0,
			TopP:                  0.95,
			SupportsMultimodal:    true,
			SupportsGrounding:     true,
			SupportsCodeExecution: true,
		},
	}
}

// GetOpenAICompatibleModels returns profiles for OpenAI-compatible endpoints.
func GetOpenAICompatibleModels() []ModelProfile {
	return []ModelProfile{
		{
			ID:                 "gpt-4o",
			OwnedBy:            "openai",
			DisplayName:        "GPT-4o",
			TotalTokens:        128000,
			OutputReserve:      4096,
			MaxOutputTokens:    4096,
			Temperature:        0.7,
			TopP:               1.0,
			SupportsMultimodal: true,
		},
		{
			ID:                "deepseek-reasoner",
			OwnedBy:           "deepseek",
			DisplayName:       "DeepSeek Reasoner",
			TotalTokens:       65536,
			OutputReserve:     8192,
			MaxOutputTokens:   8192,
			Temperature:       1.0,
			TopP:              1.0,
			SupportsReasoning: true,
		},
	}
}
