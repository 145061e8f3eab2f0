package server

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/chris-gilbert/Level5/pricing"
)

// rawUsage tolerates both upstream dialects in one shape: Anthropic reports
// input_tokens/output_tokens, OpenAI prompt_tokens/completion_tokens.
type rawUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

func (u *rawUsage) normalize() pricing.Usage {
	usage := pricing.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = u.PromptTokens
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = u.CompletionTokens
	}
	return usage
}

type sseEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *rawUsage `json:"usage"`
	} `json:"message"`
	Usage *rawUsage `json:"usage"`
}

// sseCollector is a non-destructive observer over a relayed SSE byte stream.
// It buffers partial lines across chunk boundaries and decodes every
// `data: ` payload; malformed payloads and [DONE] sentinels are skipped.
type sseCollector struct {
	buf    bytes.Buffer
	events []sseEvent
}

func newSSECollector() *sseCollector {
	return &sseCollector{}
}

// feed consumes one relayed chunk.
func (c *sseCollector) feed(chunk []byte) {
	c.buf.Write(chunk)
	for {
		line, err := c.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it buffered for the next chunk.
			c.buf.WriteString(line)
			return
		}
		c.consumeLine(line)
	}
}

// close flushes any trailing line not terminated by a newline.
func (c *sseCollector) close() {
	if c.buf.Len() > 0 {
		c.consumeLine(c.buf.String())
		c.buf.Reset()
	}
}

func (c *sseCollector) consumeLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	payload := strings.TrimSpace(line[len("data: "):])
	if payload == "[DONE]" {
		return
	}
	var event sseEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return
	}
	c.events = append(c.events, event)
}

// usage aggregates the collected events under the given dialect's rules:
// Anthropic sums input tokens from message_start and output tokens from
// message_delta; OpenAI takes the last event carrying a usage block.
func (c *sseCollector) usage(d dialect) pricing.Usage {
	var usage pricing.Usage
	if d == dialectAnthropic {
		for _, e := range c.events {
			switch e.Type {
			case "message_start":
				if e.Message != nil && e.Message.Usage != nil {
					usage.InputTokens += e.Message.Usage.InputTokens
				}
			case "message_delta":
				if e.Usage != nil {
					usage.OutputTokens += e.Usage.OutputTokens
				}
			}
		}
		return usage
	}
	for _, e := range c.events {
		if e.Usage != nil {
			usage = e.Usage.normalize()
		}
	}
	return usage
}
