package provider

const bedrockProviderID = "amazon-bedrock"

func anthropicModel(id, name string, output int, reasoning bool, cost Cost) *Model {
	return &Model{
		ID: id, ProviderID: "anthropic", Name: name,
		API:          API{Kind: KindAnthropic},
		Limit:        Limit{Context: 200000, Output: output},
		Capabilities: Capabilities{Reasoning: reasoning, ToolCall: true, Attachment: true},
		Cost:         cost,
	}
}

func openaiModel(id, name string, context, output int, reasoning bool, cost Cost) *Model {
	return &Model{
		ID: id, ProviderID: "openai", Name: name,
		API:          API{Kind: KindOpenAI},
		Limit:        Limit{Context: context, Output: output},
		Capabilities: Capabilities{Reasoning: reasoning, ToolCall: true, Attachment: true},
		Cost:         cost,
	}
}

func googleModel(id, name string, cost Cost) *Model {
	return &Model{
		ID: id, ProviderID: "google", Name: name,
		API:          API{Kind: KindGoogle},
		Limit:        Limit{Context: 1048576, Output: 65536},
		Capabilities: Capabilities{Reasoning: true, ToolCall: true, Attachment: true},
		Cost:         cost,
	}
}

func bedrockModel(id, name string, context, output int, reasoning bool) *Model {
	return &Model{
		ID: id, ProviderID: bedrockProviderID, Name: name,
		API:          API{Kind: KindBedrock},
		Limit:        Limit{Context: context, Output: output},
		Capabilities: Capabilities{Reasoning: reasoning, ToolCall: true},
	}
}

func modelMap(models ...*Model) map[string]*Model {
	out := make(map[string]*Model, len(models))
	for _, m := range models {
		out[m.ID] = m
	}
	return out
}

// builtinProviders returns fresh copies of the known providers.
func builtinProviders() []*Info {
	return []*Info{
		{
			ID: "anthropic", Name: "Anthropic",
			Env:     []string{"ANTHROPIC_API_KEY"},
			Default: "claude-sonnet-4-5",
			Models: modelMap(
				anthropicModel("claude-opus-4-1", "Claude Opus 4.1", 32000, true, Cost{Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75}),
				anthropicModel("claude-sonnet-4-5", "Claude Sonnet 4.5", 64000, true, Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}),
				anthropicModel("claude-sonnet-4-0", "Claude Sonnet 4", 64000, true, Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}),
				anthropicModel("claude-haiku-4-5", "Claude Haiku 4.5", 64000, true, Cost{Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25}),
				anthropicModel("claude-3-5-haiku-latest", "Claude Haiku 3.5", 8192, false, Cost{Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1}),
			),
		},
		{
			ID: "openai", Name: "OpenAI",
			Env:     []string{"OPENAI_API_KEY"},
			Default: "gpt-4.1",
			Models: modelMap(
				openaiModel("gpt-4.1", "GPT-4.1", 1047576, 32768, false, Cost{Input: 2, Output: 8, CacheRead: 0.5}),
				openaiModel("gpt-4o", "GPT-4o", 128000, 16384, false, Cost{Input: 2.5, Output: 10, CacheRead: 1.25}),
				openaiModel("gpt-4o-mini", "GPT-4o mini", 128000, 16384, false, Cost{Input: 0.15, Output: 0.6, CacheRead: 0.075}),
				openaiModel("o3", "o3", 200000, 100000, true, Cost{Input: 2, Output: 8, CacheRead: 0.5}),
				openaiModel("o4-mini", "o4-mini", 200000, 100000, true, Cost{Input: 1.1, Output: 4.4, CacheRead: 0.275}),
			),
		},
		{
			ID: "google", Name: "Google",
			Env:     []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_GENERATIVE_AI_API_KEY"},
			Default: "gemini-2.5-pro",
			Models: modelMap(
				googleModel("gemini-2.5-pro", "Gemini 2.5 Pro", Cost{Input: 1.25, Output: 10, CacheRead: 0.31}),
				googleModel("gemini-2.5-flash", "Gemini 2.5 Flash", Cost{Input: 0.3, Output: 2.5, CacheRead: 0.075}),
			),
		},
		{
			ID: bedrockProviderID, Name: "Amazon Bedrock",
			Env:     []string{"AWS_ACCESS_KEY_ID", "AWS_PROFILE", "AWS_BEARER_TOKEN_BEDROCK"},
			Default: "anthropic.claude-sonnet-4-5-20250929-v1:0",
			Models: modelMap(
				bedrockModel("anthropic.claude-sonnet-4-5-20250929-v1:0", "Claude Sonnet 4.5 (Bedrock)", 200000, 64000, true),
				bedrockModel("anthropic.claude-haiku-4-5-20251001-v1:0", "Claude Haiku 4.5 (Bedrock)", 200000, 64000, true),
				bedrockModel("amazon.nova-pro-v1:0", "Nova Pro", 300000, 5000, false),
				bedrockModel("amazon.nova-lite-v1:0", "Nova Lite", 300000, 5000, false),
			),
		},
		{
			ID: "openrouter", Name: "OpenRouter",
			Env:     []string{"OPENROUTER_API_KEY"},
			Options: Options{BaseURL: "https://openrouter.ai/api/v1"},
			Default: "anthropic/claude-sonnet-4.5",
			Models: modelMap(
				&Model{ID: "anthropic/claude-sonnet-4.5", ProviderID: "openrouter", Name: "Claude Sonnet 4.5 (OpenRouter)", API: API{Kind: KindOpenAI}, Limit: Limit{Context: 200000, Output: 64000}, Capabilities: Capabilities{Reasoning: true, ToolCall: true}},
				&Model{ID: "openai/gpt-4o-mini", ProviderID: "openrouter", Name: "GPT-4o mini (OpenRouter)", API: API{Kind: KindOpenAI}, Limit: Limit{Context: 128000, Output: 16384}, Capabilities: Capabilities{ToolCall: true}},
			),
		},
	}
}
