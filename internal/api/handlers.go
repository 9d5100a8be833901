package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/loa-labs/loa-finn/internal/agent"
	"github.com/loa-labs/loa-finn/internal/auth"
	"github.com/loa-labs/loa-finn/internal/billing"
	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/persona"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"jwks":   s.jwks.Status(),
	}
	if s.poolStats != nil {
		body["pool"] = s.poolStats()
	}
	writeJSON(w, http.StatusOK, body)
}

const llmsTxt = `# loa-finn

Paid gateway for AI agent invocation.

- POST /api/v1/agent/chat   — chat with an agent personality
- POST /api/v1/invoke       — direct model invocation
- Payment: API key (Authorization: Bearer dk_...), x402 receipt headers,
  or answer the 402 challenge.
`

func (s *Server) handleLLMsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(llmsTxt))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-JWKS-State", s.jwks.State().String())
	body, err := s.jwks.SnapshotJWKS()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type chatRequest struct {
	TokenID   string `json:"token_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Response    string               `json:"response"`
	Personality *persona.Personality `json:"personality"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, core.Wrap(core.KindMalformedRequest, "invalid JSON body", err), nil)
		return
	}
	if req.TokenID == "" || req.Message == "" {
		writeError(w, core.E(core.KindMalformedRequest, "token_id and message are required"), nil)
		return
	}

	// Resolve the personality before touching payment: an unknown token id
	// must never cost anything.
	personality, err := s.personas.Resolve(req.TokenID)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	outcome, ok := s.admit(w, r, body, s.cfg.Billing.ChatCostMicro, "agent_chat")
	if !ok {
		return
	}

	model := req.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	input := req.Message
	if personality.BeauvoirTemplate != "" {
		input = personality.BeauvoirTemplate + "\n\n" + req.Message
	}

	completion, err := s.invoker.Invoke(r.Context(), agent.Request{
		Provider:  providerForModel(model),
		Model:     model,
		MaxTokens: req.MaxTokens,
		Input:     input,
		SessionID: req.TokenID,
	})
	if err != nil {
		writeError(w, err, outcome)
		return
	}

	s.settle(r.Context(), outcome, model, s.cfg.Billing.ChatCostMicro, "agent_chat")
	writeJSON(w, http.StatusOK, chatResponse{
		Response:    completion.Text,
		Personality: personality,
	})
}

type invokeRequest struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model"`
	Input     string `json:"input"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var req invokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, core.Wrap(core.KindMalformedRequest, "invalid JSON body", err), nil)
		return
	}
	if req.Model == "" || req.Input == "" {
		writeError(w, core.E(core.KindMalformedRequest, "model and input are required"), nil)
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = providerForModel(req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	// Debit the worst-case estimate up front; the ledger records actual
	// usage cost afterwards.
	estimate := s.pricing.EstimateCostMicro(req.Model, maxTokens)
	outcome, ok := s.admit(w, r, body, estimate, "model_invoke")
	if !ok {
		return
	}

	completion, err := s.invoker.Invoke(r.Context(), agent.Request{
		Provider:  provider,
		Model:     req.Model,
		MaxTokens: maxTokens,
		Input:     req.Input,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(w, err, outcome)
		return
	}

	s.settle(r.Context(), outcome, req.Model,
		s.pricing.CostFromUsage(completion.Model, completion.Usage), "model_invoke")
	writeJSON(w, http.StatusOK, completion)
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// handleExec runs one policy-vetted command inside the jail. The route is
// paid at the flat chat rate; the sandbox decides everything else.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var req execRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, core.Wrap(core.KindMalformedRequest, "invalid JSON body", err), nil)
		return
	}
	if req.Command == "" {
		writeError(w, core.E(core.KindMalformedRequest, "command is required"), nil)
		return
	}
	if s.sandbox == nil {
		writeError(w, core.E(core.KindSandboxDisabled, "command execution is disabled"), nil)
		return
	}

	outcome, ok := s.admit(w, r, body, s.cfg.Billing.ChatCostMicro, "agent_exec")
	if !ok {
		return
	}

	result, err := s.sandbox.Execute(r.Context(), req.Command, req.TimeoutMs, req.SessionID)
	if err != nil {
		writeError(w, err, outcome)
		return
	}

	s.settle(r.Context(), outcome, "", s.cfg.Billing.ChatCostMicro, "agent_exec")
	writeJSON(w, http.StatusOK, result)
}

// providerForModel routes claude models to anthropic and everything else to
// openai.
func providerForModel(model string) string {
	if strings.HasPrefix(model, "claude") {
		return "anthropic"
	}
	return "openai"
}

type createKeyRequest struct {
	Label string `json:"label,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.TenantFromContext(r.Context())

	body, err := readBody(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var req createKeyRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, core.Wrap(core.KindMalformedRequest, "invalid JSON body", err), nil)
			return
		}
	}

	generated, err := s.keys.Create(r.Context(), tc.TenantID, req.Label, 0)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"key_id":        generated.KeyID,
		"plaintext_key": generated.Plaintext,
		"message":       "store this key now; it cannot be retrieved again",
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.TenantFromContext(r.Context())
	keyID := mux.Vars(r)["key_id"]

	if err := s.keys.Revoke(r.Context(), tc.TenantID, keyID); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key_id": keyID, "status": "revoked"})
}

func (s *Server) handleKeyBalance(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.TenantFromContext(r.Context())
	keyID := mux.Vars(r)["key_id"]

	balance, err := s.keys.Balance(r.Context(), tc.TenantID, keyID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"key_id":        keyID,
		"balance_micro": billing.MicroString(balance),
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.TenantFromContext(r.Context())
	tenant := mux.Vars(r)["tenant"]
	if tenant != tc.TenantID {
		writeError(w, core.E(core.KindKeyNotFound, "unknown tenant"), nil)
		return
	}

	view, err := s.hub.FetchBudgetRetry(r.Context(), tenant, s.cfg.Upstream.RetryMaxAttempts)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"committed_micro": billing.MicroString(view.CommittedMicro),
		"reserved_micro":  billing.MicroString(view.ReservedMicro),
		"limit_micro":     billing.MicroString(view.LimitMicro),
		"window_start":    view.WindowStart.UTC().Format(time.RFC3339),
		"window_end":      view.WindowEnd.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleJWKSInvalidate(w http.ResponseWriter, r *http.Request) {
	s.jwks.Invalidate(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "invalidated",
		"state":  s.jwks.State().String(),
	})
}
