package sourcegraph

import (
	"fmt"
	"strings"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

const (
	defaultMaxTokensToSample = 4000
	unsetSampling            = -1
)

// Request is the upstream completions wire body.
type Request struct {
	Model             string    `json:"model"`
	Messages          []Message `json:"messages"`
	MaxTokensToSample int       `json:"maxTokensToSample"`
	Temperature       float64   `json:"temperature"`
	TopP              int       `json:"topP"`
	TopK              int       `json:"topK"`
}

type Message struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Translate maps a chat request onto the upstream wire shape. Only "user"
// is renamed; every other role is forwarded verbatim as the speaker.
func Translate(req domain.ChatRequest, modelRef string) (Request, error) {
	messages := make([]Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		text, err := flattenContent(m.Content)
		if err != nil {
			return Request{}, fmt.Errorf("%w: message %d: %v", domain.ErrTranslation, i, err)
		}
		messages = append(messages, Message{
			Speaker: speakerFor(m.Role),
			Text:    text,
		})
	}

	maxTokens := defaultMaxTokensToSample
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	var temperature float64
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	return Request{
		Model:             modelRef,
		Messages:          messages,
		MaxTokensToSample: maxTokens,
		Temperature:       temperature,
		TopP:              unsetSampling,
		TopK:              unsetSampling,
	}, nil
}

func speakerFor(role string) string {
	if role == "user" {
		return "human"
	}
	return role
}

// flattenContent joins text parts with newlines and drops non-text parts.
func flattenContent(c domain.Content) (string, error) {
	if !c.IsStructured() {
		return c.Text, nil
	}

	texts := make([]string, 0, len(c.Parts))
	for j, part := range c.Parts {
		switch part.Type {
		case "":
			return "", fmt.Errorf("part %d has no type", j)
		case "text":
			if part.Text == nil {
				return "", fmt.Errorf("text part %d has no text", j)
			}
			texts = append(texts, *part.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}
