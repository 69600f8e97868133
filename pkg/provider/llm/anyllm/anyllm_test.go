package anyllm

import (
	"testing"

	"github.com/qsift/qsift/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-provider", "some-model"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	req := llm.CompletionRequest{
		SystemPrompt: "Return JSON only.",
		Messages: []llm.Message{
			{Role: "user", Content: "それは何ですか"},
		},
		Temperature: 0.2,
		MaxTokens:   64,
	}

	params := p.buildParams(req)
	if params.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Content != "Return JSON only." {
		t.Errorf("system message = %q", params.Messages[0].Content)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 64 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}
