package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/verdantlabs/yardgen/internal/gateway"
	"github.com/verdantlabs/yardgen/internal/imagery"
	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
	"github.com/verdantlabs/yardgen/internal/service"
)

type areaRequest struct {
	Type   string `json:"type"`
	Style  string `json:"style"`
	Prompt string `json:"prompt"`
}

type generationRequest struct {
	Address      string        `json:"address"`
	BaseImageURL string        `json:"base_image_url"`
	Style        string        `json:"style"`
	CustomPrompt string        `json:"custom_prompt"`
	Areas        []areaRequest `json:"areas"`
}

type areaResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

type generationResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Progress      int            `json:"progress"`
	PaymentMethod string         `json:"payment_method"`
	UnitsCharged  int            `json:"units_charged"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Areas         []areaResponse `json:"areas"`
}

func toGenerationResponse(req *models.GenerationRequest) generationResponse {
	resp := generationResponse{
		ID:            req.ID,
		Status:        string(req.Status),
		Progress:      req.Progress(),
		PaymentMethod: string(req.PaymentMethod),
		UnitsCharged:  req.UnitsCharged,
		CreatedAt:     req.CreatedAt,
		CompletedAt:   req.CompletedAt,
	}
	for _, a := range req.Areas {
		resp.Areas = append(resp.Areas, areaResponse{
			ID:        a.ID,
			Type:      a.AreaType,
			Status:    string(a.Status),
			Progress:  a.Progress,
			ResultURL: a.ResultURL,
			Error:     a.Error,
		})
	}
	return resp
}

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	in := service.SubmitInput{
		Address:      req.Address,
		BaseImageURL: req.BaseImageURL,
		Style:        req.Style,
		CustomPrompt: req.CustomPrompt,
	}
	for _, a := range req.Areas {
		in.Areas = append(in.Areas, service.AreaInput{Type: a.Type, Style: a.Style, Prompt: a.Prompt})
	}

	gen, err := s.generations.Submit(r.Context(), userID(r), in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrInsufficientAccess):
			s.writeJSON(w, http.StatusPaymentRequired, map[string]string{
				"error": "insufficient access, purchase tokens or subscribe",
			})
		case errors.Is(err, imagery.ErrUnavailable):
			http.Error(w, "property imagery unavailable", http.StatusServiceUnavailable)
		default:
			s.internalError(w, err)
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, toGenerationResponse(gen))
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	gen, err := s.generations.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "generation not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toGenerationResponse(gen))
}

type balanceResponse struct {
	TrialRemaining     int                `json:"trial_remaining"`
	TokenBalance       int                `json:"token_balance"`
	SubscriptionActive bool               `json:"subscription_active"`
	AutoReload         autoReloadResponse `json:"auto_reload"`
}

type autoReloadResponse struct {
	Enabled      bool `json:"enabled"`
	Threshold    int  `json:"threshold"`
	Amount       int  `json:"amount"`
	FailureCount int  `json:"failure_count"`
}

func toBalanceResponse(acct *models.Account) balanceResponse {
	return balanceResponse{
		TrialRemaining:     acct.TrialRemaining,
		TokenBalance:       acct.TokenBalance,
		SubscriptionActive: acct.SubscriptionActive,
		AutoReload: autoReloadResponse{
			Enabled:      acct.AutoReload.Enabled,
			Threshold:    acct.AutoReload.Threshold,
			Amount:       acct.AutoReload.Amount,
			FailureCount: acct.AutoReload.FailureCount,
		},
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.billing.Balance(r.Context(), userID(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBalanceResponse(acct))
}

type autoReloadRequest struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold"`
	Amount    int  `json:"amount"`
}

func (s *Server) handleUpdateAutoReload(w http.ResponseWriter, r *http.Request) {
	var req autoReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	acct, err := s.billing.UpdateAutoReload(r.Context(), userID(r), req.Enabled, req.Threshold, req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, toBalanceResponse(acct))
}

type transactionResponse struct {
	ID              int64     `json:"id"`
	Counter         string    `json:"counter"`
	Kind            string    `json:"kind"`
	Amount          int       `json:"amount"`
	BalanceAfter    int       `json:"balance_after"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	ReferenceID     string    `json:"reference_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TransactionFilter{
		Kind: models.TransactionKind(q.Get("type")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		f.To = t
	}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
		f.Page = n
	}

	txs, err := s.billing.Transactions(r.Context(), userID(r), f)
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionResponse{
			ID:              t.ID,
			Counter:         string(t.Counter),
			Kind:            string(t.Kind),
			Amount:          t.Amount,
			BalanceAfter:    t.BalanceAfter,
			ExternalEventID: t.ExternalEventID,
			ReferenceID:     t.ReferenceID,
			CreatedAt:       t.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// handlePaymentEvent is the gateway webhook entry point. The gateway delivers
// at-least-once, so duplicates answer 200 exactly like first deliveries; only
// malformed payloads get a 4xx.
func (s *Server) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	ev, err := gateway.ParseEvent(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := s.payments.ProcessEvent(r.Context(), ev, models.KindPurchase)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
