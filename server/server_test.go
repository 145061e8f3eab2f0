package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/chris-gilbert/Level5/config"
	"github.com/chris-gilbert/Level5/ledger"
	"github.com/chris-gilbert/Level5/pricing"
)

const (
	testPubkey = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	solMint    = config.SOLMint
	usdcMint   = config.USDCMintDevnet
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *ledger.Ledger) {
	t.Helper()

	cfg := &config.Config{
		ListenAddr:       ":0",
		PublicBaseURL:    "https://api.level5.cloud",
		DatabasePath:     filepath.Join(t.TempDir(), "test.db"),
		OpenAIBaseURL:    "https://api.openai.com",
		AnthropicBaseURL: "https://api.anthropic.com",
		ProgramID:        config.DefaultProgramID,
		USDCMint:         usdcMint,
		SOLUSDCRate:      150.0,
	}
	if mutate != nil {
		mutate(cfg)
	}

	l, err := ledger.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	if err := l.SeedTokenConfig(solMint, "SOL", 9, cfg.SOLUSDCRate); err != nil {
		t.Fatalf("seed SOL: %v", err)
	}
	if err := l.SeedTokenConfig(cfg.USDCMint, "USDC", 6, 1.0); err != nil {
		t.Fatalf("seed USDC: %v", err)
	}

	engine := pricing.NewEngine(l, cfg.USDCMint, solMint, zap.NewNop())
	ts := httptest.NewServer(New(cfg, l, engine, zap.NewNop()).Router())
	t.Cleanup(ts.Close)
	return ts, l
}

// activeToken registers a token, activates it for testPubkey, and optionally
// funds the USDC balance.
func activeToken(t *testing.T, l *ledger.Ledger, usdcBalance int64) string {
	t.Helper()
	apiToken, code, err := l.CreateAPIToken()
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := l.ActivateToken(code, testPubkey); err != nil {
		t.Fatalf("activate token: %v", err)
	}
	if usdcBalance > 0 {
		if err := l.UpdateBalance(testPubkey, usdcMint, usdcBalance, ledger.TxMirrorDeposit, ""); err != nil {
			t.Fatalf("fund balance: %v", err)
		}
	}
	return apiToken
}

func decodeJSON(t *testing.T, r io.Reader, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp.Body, &body)
	if body["status"] != "arena_ready" || body["agent"] != "Level5" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestRegister(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/register", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		APIToken     string `json:"api_token"`
		DepositCode  string `json:"deposit_code"`
		BaseURL      string `json:"base_url"`
		Status       string `json:"status"`
		Instructions string `json:"instructions"`
	}
	decodeJSON(t, resp.Body, &body)

	if body.Status != "pending_deposit" {
		t.Errorf("expected pending_deposit, got %q", body.Status)
	}
	if len(body.DepositCode) != 8 {
		t.Errorf("expected 8-char deposit code, got %q", body.DepositCode)
	}
	wantBase := "https://api.level5.cloud/proxy/" + body.APIToken
	if body.BaseURL != wantBase {
		t.Errorf("expected base_url %q, got %q", wantBase, body.BaseURL)
	}
	if !strings.Contains(body.Instructions, body.DepositCode) {
		t.Errorf("instructions do not mention deposit code: %q", body.Instructions)
	}
	if !strings.Contains(body.Instructions, config.DefaultProgramID) {
		t.Errorf("instructions do not mention program id: %q", body.Instructions)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	ts, l := newTestServer(t, nil)
	token := activeToken(t, l, 10_000_000)

	resp, err := http.Get(ts.URL + "/proxy/" + token + "/balance")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Pubkey   string           `json:"pubkey"`
		Balances map[string]int64 `json:"balances"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Pubkey != testPubkey {
		t.Errorf("expected pubkey %s, got %s", testPubkey, body.Pubkey)
	}
	if body.Balances[usdcMint] != 10_000_000 {
		t.Errorf("expected USDC balance 10000000, got %d", body.Balances[usdcMint])
	}
}

func TestBalanceUnknownToken(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/proxy/not-a-token/balance")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMockChatCompletionDebits(t *testing.T) {
	ts, l := newTestServer(t, nil)
	token := activeToken(t, l, 10_000_000)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/proxy/"+token+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-5.2","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MOCK-UPSTREAM", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "mock-123") {
		t.Errorf("unexpected mock body: %s", raw)
	}

	// usage {15,25} at gpt-5.2 rates: (15*1500 + 25*4500)/1000 = 135.
	balance, err := l.GetBalance(testPubkey, usdcMint)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 9_999_865 {
		t.Errorf("expected balance 9999865, got %d", balance)
	}
}

func TestProxyInvalidToken(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/proxy/invalid-uuid/v1/messages",
		"application/json", strings.NewReader(`{"model":"claude-opus-4-6"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "Invalid or inactive") {
		t.Errorf("unexpected error body: %s", raw)
	}
}

func TestProxyInsufficientBalance(t *testing.T) {
	ts, l := newTestServer(t, nil)
	token := activeToken(t, l, 0)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/proxy/"+token+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("X-MOCK-UPSTREAM", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "Insufficient") {
		t.Errorf("unexpected error body: %s", raw)
	}
}

func TestMockAnthropicStreaming(t *testing.T) {
	ts, l := newTestServer(t, nil)
	token := activeToken(t, l, 10_000_000)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/proxy/"+token+"/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5-20250929","stream":true,"messages":[]}`))
	req.Header.Set("X-MOCK-UPSTREAM", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	if !strings.Contains(body, "event: message_start") || !strings.Contains(body, "event: message_delta") {
		t.Errorf("mock SSE body missing events: %s", body)
	}

	balance, err := l.GetBalance(testPubkey, usdcMint)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance >= 10_000_000 {
		t.Errorf("expected balance to decrease, got %d", balance)
	}
}

func TestMockOpenAIStreaming(t *testing.T) {
	ts, l := newTestServer(t, nil)
	token := activeToken(t, l, 10_000_000)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/proxy/"+token+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true}`))
	req.Header.Set("X-MOCK-UPSTREAM", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "data: [DONE]") {
		t.Errorf("mock OpenAI SSE missing [DONE]: %s", raw)
	}
}

func TestMissingUpstreamKey(t *testing.T) {
	ts, l := newTestServer(t, nil) // no keys configured
	token := activeToken(t, l, 10_000_000)

	resp, err := http.Post(ts.URL+"/proxy/"+token+"/v1/chat/completions",
		"application/json", strings.NewReader(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestUpstreamConnectionFailure(t *testing.T) {
	ts, l := newTestServer(t, func(cfg *config.Config) {
		cfg.OpenAIAPIKey = "sk-test"
		cfg.OpenAIBaseURL = "http://127.0.0.1:1" // nothing listens here
	})
	token := activeToken(t, l, 10_000_000)

	resp, err := http.Post(ts.URL+"/proxy/"+token+"/v1/chat/completions",
		"application/json", strings.NewReader(`{"model":"gpt-4o"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestAnthropicHeaderPassthrough(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-1","usage":{"input_tokens":100,"output_tokens":50}}`))
	}))
	defer upstream.Close()

	ts, l := newTestServer(t, func(cfg *config.Config) {
		cfg.AnthropicAPIKey = "sk-ant-test"
		cfg.AnthropicBaseURL = upstream.URL
	})
	token := activeToken(t, l, 10_000_000)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/proxy/"+token+"/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5-20250929"}`))
	req.Header.Set("anthropic-beta", "context-management-2025-01-01")
	req.Header.Set("anthropic-version", "2025-01-01")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := gotHeaders.Get("x-api-key"); got != "sk-ant-test" {
		t.Errorf("expected x-api-key sk-ant-test, got %q", got)
	}
	if got := gotHeaders.Get("anthropic-beta"); got != "context-management-2025-01-01" {
		t.Errorf("anthropic-beta not passed through, got %q", got)
	}
	// Client's version override wins over the server default.
	if got := gotHeaders.Get("anthropic-version"); got != "2025-01-01" {
		t.Errorf("expected anthropic-version 2025-01-01, got %q", got)
	}

	// (100*3000 + 50*15000)/1000 = 1050 debited from the real response usage.
	balance, err := l.GetBalance(testPubkey, usdcMint)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 10_000_000-1050 {
		t.Errorf("expected balance %d, got %d", 10_000_000-1050, balance)
	}
}

func TestRealStreamingRelayAndDebit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Encoding"); got != "identity" {
			t.Errorf("expected Accept-Encoding identity, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, mockAnthropicSSEBody)
	}))
	defer upstream.Close()

	ts, l := newTestServer(t, func(cfg *config.Config) {
		cfg.AnthropicAPIKey = "sk-ant-test"
		cfg.AnthropicBaseURL = upstream.URL
	})
	token := activeToken(t, l, 10_000_000)

	resp, err := http.Post(ts.URL+"/proxy/"+token+"/v1/messages",
		"application/json",
		strings.NewReader(`{"model":"claude-sonnet-4-5-20250929","stream":true}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != mockAnthropicSSEBody {
		t.Errorf("stream not relayed verbatim:\n%s", raw)
	}

	// Stream usage {15,25} at sonnet rates: (15*3000 + 25*15000)/1000 = 420.
	balance, err := l.GetBalance(testPubkey, usdcMint)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != 10_000_000-420 {
		t.Errorf("expected balance %d, got %d", 10_000_000-420, balance)
	}
}

func TestPricingEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/v1/pricing")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Pricing  map[string]pricing.Rate `json:"pricing"`
		Currency string                  `json:"currency"`
		Billing  string                  `json:"billing"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Currency != "USDC" {
		t.Errorf("expected currency USDC, got %q", body.Currency)
	}
	if !strings.Contains(body.Billing, "USDC-first") {
		t.Errorf("unexpected billing description: %q", body.Billing)
	}
	if r := body.Pricing["gpt-4o"]; r.InputPer1K != 2500 || r.OutputPer1K != 10000 {
		t.Errorf("unexpected gpt-4o rate: %+v", r)
	}
}

func TestAdminStats(t *testing.T) {
	ts, l := newTestServer(t, nil)
	token := activeToken(t, l, 10_000_000)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/proxy/"+token+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-5.2"}`))
	req.Header.Set("X-MOCK-UPSTREAM", "true")
	if resp, err := http.DefaultClient.Do(req); err != nil {
		t.Fatalf("mock call failed: %v", err)
	} else {
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/admin/stats")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var stats ledger.Stats
	decodeJSON(t, resp.Body, &stats)
	if stats.TotalDeposits != 10_000_000 {
		t.Errorf("expected total_deposits 10000000, got %d", stats.TotalDeposits)
	}
	if stats.TotalDebits != 135 {
		t.Errorf("expected total_debits 135, got %d", stats.TotalDebits)
	}
	if stats.NetRevenue != 135 {
		t.Errorf("expected net_revenue 135, got %d", stats.NetRevenue)
	}
	if stats.ActiveAgents != 1 {
		t.Errorf("expected 1 active agent, got %d", stats.ActiveAgents)
	}
	if stats.RegisteredTokens != 1 {
		t.Errorf("expected 1 registered token, got %d", stats.RegisteredTokens)
	}
}
