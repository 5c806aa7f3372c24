package tokens

import (
	"sync"
	"testing"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

func TestCounter_CountText(t *testing.T) {
	c := NewCounter()

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{"empty", "", 0, 0},
		{"single word", "Hello", 1, 1},
		{"sentence", "Hello, how are you today?", 5, 9},
		{"code", "func main() { fmt.Println(\"hi\") }", 8, 16},
		{"unicode", "こんにちは世界", 2, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CountText(tt.text)
			if got < tt.minTokens || got > tt.maxTokens {
				t.Errorf("CountText(%q) = %d, want between %d and %d", tt.text, got, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestCounter_CountMessages(t *testing.T) {
	c := NewCounter()

	if got := c.CountMessages(nil); got != 0 {
		t.Errorf("CountMessages(nil) = %d, want 0", got)
	}

	plain := []domain.Message{
		{Role: "system", Content: domain.TextContent("You are terse.")},
		{Role: "user", Content: domain.TextContent("What is 2+2?")},
	}
	got := c.CountMessages(plain)

	framing := assistantPriming + 2*(tokensPerMessage+tokensPerRole)
	if got <= framing {
		t.Errorf("CountMessages = %d, want more than framing %d", got, framing)
	}

	text := "What is 2+2?"
	structured := []domain.Message{
		{Role: "system", Content: domain.TextContent("You are terse.")},
		{Role: "user", Content: domain.Content{Parts: []domain.ContentPart{
			{Type: "text", Text: &text},
			{Type: "image_url", ImageURL: []byte(`{"url":"https://example.com/x.png"}`)},
		}}},
	}
	if s := c.CountMessages(structured); s != got {
		t.Errorf("structured count = %d, want %d (image parts ignored)", s, got)
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter()

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.CountText("the quick brown fox jumps over the lazy dog")
		}(i)
	}
	wg.Wait()

	for i, n := range results {
		if n != results[0] {
			t.Errorf("result %d = %d, want %d", i, n, results[0])
		}
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"ééééé", 2},
	}

	for _, tt := range tests {
		if got := estimate(tt.text); got != tt.want {
			t.Errorf("estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
