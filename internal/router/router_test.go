package router

import (
	"testing"
)

func TestDefault_Resolve(t *testing.T) {
	r := Default()

	tests := []struct {
		name    string
		wantRef string
		wantOK  bool
	}{
		{"claude-3-haiku", "anthropic::2023-06-01::claude-3-haiku", true},
		{"claude-sonnet-4-latest", "anthropic::2024-10-22::claude-sonnet-4-latest", true},
		{"gpt-4o", "openai::2024-02-01::gpt-4o", true},
		{"deepseek-v3", "fireworks::v1::deepseek-v3", true},
		{"gpt-5-ultra", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, ok := r.Resolve(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("Resolve(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if route.ModelRef != tt.wantRef {
				t.Errorf("ModelRef = %q, want %q", route.ModelRef, tt.wantRef)
			}
			if route.MaxTokens != 64000 {
				t.Errorf("MaxTokens = %d, want 64000", route.MaxTokens)
			}
		})
	}
}

func TestRouter_List_Sorted(t *testing.T) {
	r := New(
		Route{Name: "b", ModelRef: "x::1::b"},
		Route{Name: "a", ModelRef: "x::1::a", MaxTokens: 100},
	)

	models := r.List()
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "a" || models[1].ID != "b" {
		t.Errorf("models not sorted: %v", models)
	}
	if models[0].MaxTokens != 100 {
		t.Errorf("expected explicit max tokens 100, got %d", models[0].MaxTokens)
	}
	if models[1].MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", models[1].MaxTokens)
	}
	for _, m := range models {
		if m.Object != "model" || m.OwnedBy != "sourcegraph" {
			t.Errorf("unexpected model shape: %+v", m)
		}
	}
}

func TestRouter_Get(t *testing.T) {
	r := Default()

	if _, ok := r.Get("o3"); !ok {
		t.Error("expected o3 to be registered")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("expected unknown model to be missing")
	}
}

func TestDefault_AllRefsResolveByName(t *testing.T) {
	r := Default()
	if got := len(r.List()); got != len(builtinRefs) {
		t.Errorf("expected %d unique models, got %d", len(builtinRefs), got)
	}
}
