package server

// Canned upstream responses served when a client sends X-MOCK-UPSTREAM: true.
// Both SSE bodies carry usage totals of 15 input / 25 output tokens.

const mockCompletionBody = `{"id":"mock-123","choices":[{"message":{"content":"Sovereign reply."}}]}`

const mockAnthropicSSEBody = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"mock-msg-001","type":"message","role":"assistant","usage":{"input_tokens":15,"output_tokens":0}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Sovereign reply."}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":25}}` + "\n\n"

const mockOpenAISSEBody = `data: {"id":"mock-chatcmpl-001","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Sovereign "}}]}` + "\n\n" +
	`data: {"id":"mock-chatcmpl-001","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"reply."}}],"usage":{"prompt_tokens":15,"completion_tokens":25}}` + "\n\n" +
	"data: [DONE]\n"
