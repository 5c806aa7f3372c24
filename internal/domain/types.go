package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ChatRequest is the normalized OpenAI-compatible chat request accepted by the gateway.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content holds either a plain string or a list of structured parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

type ContentPart struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

func TextContent(s string) Content {
	return Content{Text: s}
}

func (c Content) IsStructured() bool {
	return c.Parts != nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case len(data) > 0 && data[0] == '[':
		parts := []ContentPart{}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// Credential is one pooled upstream session cookie.
type Credential struct {
	ID        int64
	Alias     string
	Secret    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey authenticates an inbound caller. Only the hash of the key is kept.
type APIKey struct {
	ID        int64     `json:"id"`
	Alias     string    `json:"alias"`
	KeyHash   string    `json:"-"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CallerContext identifies who issued an inbound request.
type CallerContext struct {
	IP        string
	CallerID  *int64
	RequestID string
}

// UsageRecord is appended once per dispatch attempt that reached credential selection.
type UsageRecord struct {
	IPAddress    string
	CredentialID *int64
	CallerID     *int64
	Model        *string
	Success      bool
	ErrorMessage *string
	Timestamp    time.Time
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Model struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Created   int64  `json:"created"`
	OwnedBy   string `json:"owned_by"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
