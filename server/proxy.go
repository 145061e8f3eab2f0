package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chris-gilbert/Level5/pricing"
)

// nonStreamingTimeout bounds synchronous upstream calls. Streaming calls are
// bounded only by the client's own connection.
const nonStreamingTimeout = 300 * time.Second

type dialect int

const (
	dialectOpenAI dialect = iota
	dialectAnthropic
)

func (d dialect) String() string {
	if d == dialectAnthropic {
		return "anthropic"
	}
	return "openai"
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleProxy(w, r, dialectOpenAI, s.openAIBaseURL+"/v1/chat/completions", s.openAIKey)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleProxy(w, r, dialectAnthropic, s.anthropicBaseURL+"/v1/messages", s.anthropicKey)
}

// handleProxy runs the full metered pipeline: auth, admission, upstream
// dispatch, usage extraction, debit.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, d dialect, upstreamURL, apiKey string) {
	pubkey, ok := s.authenticate(w, r)
	if !ok {
		proxyRequests.WithLabelValues(d.String(), "unauthorized").Inc()
		return
	}

	balances, err := s.ledger.GetAllBalances(pubkey)
	if err != nil {
		s.log.Error("admission balance read failed", zap.String("pubkey", pubkey), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var total int64
	for _, b := range balances {
		total += b
	}
	if total <= 0 {
		proxyRequests.WithLabelValues(d.String(), "rejected").Inc()
		respondError(w, http.StatusPaymentRequired, "Insufficient Deposit Balance")
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var body struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	json.Unmarshal(bodyBytes, &body)
	model := body.Model
	if model == "" {
		model = "unknown"
	}

	if r.Header.Get("X-MOCK-UPSTREAM") == "true" {
		s.handleMock(w, r, d, pubkey, model, body.Stream)
		return
	}

	if apiKey == "" {
		respondError(w, http.StatusInternalServerError,
			"Upstream API key not configured. Check your .env file.")
		return
	}

	headers := buildUpstreamHeaders(d, apiKey, r.Header)
	if body.Stream {
		s.relayStreaming(w, r, d, pubkey, model, upstreamURL, headers, bodyBytes)
		return
	}
	s.relaySync(w, r, d, pubkey, model, upstreamURL, headers, bodyBytes)
}

func (s *Server) handleMock(w http.ResponseWriter, r *http.Request, d dialect, pubkey, model string, streaming bool) {
	usage := pricing.Usage{InputTokens: 15, OutputTokens: 25}
	if !s.debit(pubkey, model, usage) {
		proxyRequests.WithLabelValues(d.String(), "rejected").Inc()
		respondError(w, http.StatusPaymentRequired, "Insufficient Deposit Balance")
		return
	}
	proxyRequests.WithLabelValues(d.String(), "mock").Inc()

	if streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if d == dialectAnthropic {
			io.WriteString(w, mockAnthropicSSEBody)
		} else {
			io.WriteString(w, mockOpenAISSEBody)
		}
		return
	}
	respondJSON(w, http.StatusOK, json.RawMessage(mockCompletionBody))
}

// debit charges the cost of usage under model, reporting whether any balance
// covered it. Errors are logged and treated as a failed debit.
func (s *Server) debit(pubkey, model string, usage pricing.Usage) bool {
	cost := pricing.CostUSDC(usage, model)
	usageJSON, _ := json.Marshal(usage)
	mint, err := s.engine.DebitAgent(pubkey, cost, string(usageJSON))
	if err != nil {
		s.log.Error("debit failed", zap.String("pubkey", pubkey), zap.Error(err))
		return false
	}
	if mint == "" && cost > 0 {
		return false
	}
	debitedMicroUSDC.Add(float64(cost))
	s.log.Info("charged agent",
		zap.String("pubkey", pubkey),
		zap.String("model", model),
		zap.Int64("cost_usdc", cost),
		zap.String("mint", mint))
	return true
}

func buildUpstreamHeaders(d dialect, apiKey string, client http.Header) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if d == dialectAnthropic {
		h.Set("x-api-key", apiKey)
		h.Set("anthropic-version", "2023-06-01")
		// Pass through every anthropic-* header verbatim (beta flags,
		// client version overrides).
		for name, values := range client {
			if strings.HasPrefix(strings.ToLower(name), "anthropic-") {
				h[http.CanonicalHeaderKey(name)] = values
			}
		}
	} else {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func (s *Server) relaySync(w http.ResponseWriter, r *http.Request, d dialect, pubkey, model, upstreamURL string, headers http.Header, body []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), nonStreamingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		respondError(w, http.StatusBadGateway, "Upstream error: "+err.Error())
		return
	}
	req.Header = headers

	resp, err := s.upstream.Do(req)
	if err != nil {
		proxyRequests.WithLabelValues(d.String(), "upstream_error").Inc()
		respondError(w, http.StatusBadGateway, "Upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		proxyRequests.WithLabelValues(d.String(), "upstream_error").Inc()
		respondError(w, http.StatusBadGateway, "Upstream error: "+err.Error())
		return
	}

	if usage := parseResponseUsage(respBody); usage != (pricing.Usage{}) {
		if !s.debit(pubkey, model, usage) {
			s.log.Warn("post-response debit did not succeed",
				zap.String("pubkey", pubkey), zap.String("model", model))
		}
	}
	proxyRequests.WithLabelValues(d.String(), "ok").Inc()

	// Relay status, headers, and body verbatim.
	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func (s *Server) relayStreaming(w http.ResponseWriter, r *http.Request, d dialect, pubkey, model, upstreamURL string, headers http.Header, body []byte) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		respondError(w, http.StatusBadGateway, "Upstream error: "+err.Error())
		return
	}
	req.Header = headers
	// Compressed SSE would break byte-level relaying.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.upstream.Do(req)
	if err != nil {
		proxyRequests.WithLabelValues(d.String(), "upstream_error").Inc()
		respondError(w, http.StatusBadGateway, "Upstream error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	collector := newSSECollector()
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if canFlush {
				flusher.Flush()
			}
			collector.feed(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
	collector.close()

	// A disconnected client got nothing; charging it would bill for bytes
	// never delivered.
	if r.Context().Err() != nil {
		proxyRequests.WithLabelValues(d.String(), "client_gone").Inc()
		s.log.Info("client disconnected mid-stream, skipping debit",
			zap.String("pubkey", pubkey))
		return
	}

	usage := collector.usage(d)
	if !s.debit(pubkey, model, usage) {
		s.log.Warn("post-stream debit did not succeed",
			zap.String("pubkey", pubkey), zap.String("model", model))
	}
	proxyRequests.WithLabelValues(d.String(), "ok").Inc()
}

// parseResponseUsage extracts the usage block from a synchronous upstream
// response, normalizing across the OpenAI and Anthropic field names.
func parseResponseUsage(body []byte) pricing.Usage {
	var resp struct {
		Usage *rawUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return pricing.Usage{}
	}
	return resp.Usage.normalize()
}
