// Package tokens estimates prompt and completion sizes for the usage block
// of non-streaming responses. The upstream does not report token counts, so
// every model is measured with the cl100k_base encoding.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Counter is safe for concurrent use.
type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) load() tokenizer.Codec {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Warn("tokenizer unavailable, using character estimate", "error", err)
			return
		}
		c.codec = codec
	})
	return c.codec
}

// CountText returns the number of tokens in text.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if codec := c.load(); codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return estimate(text)
}

// CountMessages returns the prompt size of a chat conversation, including
// the per-message framing chat models add.
func (c *Counter) CountMessages(messages []domain.Message) int {
	if len(messages) == 0 {
		return 0
	}

	total := assistantPriming
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(messageText(msg.Content))
	}
	return total
}

func messageText(content domain.Content) string {
	if !content.IsStructured() {
		return content.Text
	}
	var text string
	for _, part := range content.Parts {
		if part.Type == "text" && part.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += *part.Text
		}
	}
	return text
}

// estimate approximates four characters per token.
func estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
