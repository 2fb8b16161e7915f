package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"anthropic/claude-sonnet-4.5", "anthropic/claude-sonnet-4.5"},
		{"anthropic:claude-sonnet-4.5", "anthropic/claude-sonnet-4.5"},
		{"sonnet", "anthropic/claude-sonnet-4.5"},
		{"anthropic/claude-4-sonnet", "anthropic/claude-4-sonnet"},
		{"claude-haiku-4-5", "anthropic/claude-haiku-4-5-20251001"},
	}
	for _, tt := range tests {
		info := GetModelInfo(tt.in)
		if info == nil {
			t.Errorf("GetModelInfo(%q) = nil", tt.in)
			continue
		}
		if info.ID != tt.want {
			t.Errorf("GetModelInfo(%q).ID = %q, want %q", tt.in, info.ID, tt.want)
		}
	}

	if GetModelInfo("gpt-unknown") != nil {
		t.Error("expected nil for unknown model")
	}
}

func TestDefaultModelIsInCatalog(t *testing.T) {
	info := GetModelInfo(DefaultModel)
	if info == nil {
		t.Fatalf("default model %q missing from catalog", DefaultModel)
	}
	if info.ContextWindow != 200000 {
		t.Errorf("context window = %d", info.ContextWindow)
	}
	if info.InputCostPerMillion != 3 || info.OutputCostPerMillion != 15 {
		t.Errorf("unexpected pricing: %+v", info)
	}
}

func TestListModels(t *testing.T) {
	if got := len(ListModels("")); got != len(Models) {
		t.Errorf("ListModels(\"\") returned %d, want %d", got, len(Models))
	}
	if got := len(ListModels("anthropic")); got != 3 {
		t.Errorf("ListModels(anthropic) returned %d, want 3", got)
	}
	if got := ListModels("openai"); len(got) != 0 {
		t.Errorf("expected no openai models, got %d", len(got))
	}
}

func TestResolveProviderModel(t *testing.T) {
	if got := ResolveProviderModel("anthropic/claude-haiku-4-5-20251001"); got != "claude-haiku-4-5" {
		t.Errorf("got %q", got)
	}
	if got := ResolveProviderModel("custom-model"); got != "custom-model" {
		t.Errorf("unknown ids should pass through, got %q", got)
	}
}
