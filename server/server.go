// Package server exposes the HTTP surface of the proxy: agent registration,
// balance lookups, the metered LLM proxy endpoints, and operator admin.
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chris-gilbert/Level5/config"
	"github.com/chris-gilbert/Level5/ledger"
	"github.com/chris-gilbert/Level5/pricing"
)

// Server holds the handlers' shared state.
type Server struct {
	ledger *ledger.Ledger
	engine *pricing.Engine
	log    *zap.Logger

	publicBaseURL    string
	programID        string
	openAIKey        string
	anthropicKey     string
	openAIBaseURL    string
	anthropicBaseURL string

	upstream *http.Client
}

// New builds the HTTP server state from the loaded configuration.
func New(cfg *config.Config, l *ledger.Ledger, engine *pricing.Engine, log *zap.Logger) *Server {
	return &Server{
		ledger:           l,
		engine:           engine,
		log:              log.With(zap.String("component", "server")),
		publicBaseURL:    cfg.PublicBaseURL,
		programID:        cfg.ProgramID,
		openAIKey:        cfg.OpenAIAPIKey,
		anthropicKey:     cfg.AnthropicAPIKey,
		openAIBaseURL:    cfg.OpenAIBaseURL,
		anthropicBaseURL: cfg.AnthropicBaseURL,
		upstream: &http.Client{
			// No overall timeout: streaming responses stay open for minutes.
			// Non-streaming calls bound themselves via request context.
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
	}
}

// Router wires all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/pricing", s.handlePricing).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/proxy/{token}/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/proxy/{token}/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/proxy/{token}/v1/messages", s.handleMessages).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "arena_ready",
		"agent":  "Level5",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	apiToken, depositCode, err := s.ledger.CreateAPIToken()
	if err != nil {
		s.log.Error("token registration failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	s.log.Info("agent registered", zap.String("deposit_code", depositCode))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"api_token":    apiToken,
		"deposit_code": depositCode,
		"base_url":     fmt.Sprintf("%s/proxy/%s", s.publicBaseURL, apiToken),
		"status":       "pending_deposit",
		"instructions": fmt.Sprintf(
			"To activate your API token, deposit SOL or USDC on-chain. "+
				"Provide deposit code %s when prompted by your wallet or use program: %s",
			depositCode, s.programID),
	})
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pricing":      pricing.Table,
		"currency":     "USDC",
		"denomination": "smallest units (6 decimals, 1 USDC = 1_000_000)",
		"billing":      "USDC-first, SOL fallback at exchange rate",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.GetStats()
	if err != nil {
		s.log.Error("stats aggregation failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	balances, err := s.ledger.GetAllBalances(pubkey)
	if err != nil {
		s.log.Error("balance lookup failed", zap.String("pubkey", pubkey), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read balances")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pubkey":   pubkey,
		"balances": balances,
	})
}

// authenticate resolves the URL-embedded token to a pubkey, writing the 401
// itself when the token is unknown or pending.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := mux.Vars(r)["token"]
	pubkey, err := s.ledger.PubkeyForToken(token)
	if err != nil {
		s.log.Error("token lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	if pubkey == "" {
		respondError(w, http.StatusUnauthorized, "Invalid or inactive API token")
		return "", false
	}
	return pubkey, true
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
