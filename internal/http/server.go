package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentflow/agentflow/internal/log"
	"github.com/agentflow/agentflow/pkg/engine"
	"github.com/agentflow/agentflow/pkg/ledger"
	"github.com/agentflow/agentflow/pkg/llm"
	"github.com/agentflow/agentflow/pkg/models"
	"github.com/agentflow/agentflow/pkg/pricing"
	"github.com/agentflow/agentflow/pkg/storage"
)

// RunRequest is a run submission: the original request text, the resolved
// subtask list with dependency edges, and the paying user.
type RunRequest struct {
	Prompt            string           `json:"prompt"`
	UserID            string           `json:"user_id"`
	OrchestratorModel string           `json:"orchestrator_model,omitempty"`
	Zone              string           `json:"zone,omitempty"`
	Subtasks          []models.Subtask `json:"subtasks"`
}

type topupRequest struct {
	UserID       string `json:"user_id"`
	AmountMicros int64  `json:"amount_micros"`
	PaymentRef   string `json:"payment_ref,omitempty"`
}

type balanceResponse struct {
	UserID        string `json:"user_id"`
	BalanceMicros int64  `json:"balance_micros"`
}

// NewHandler wires the HTTP surface: health, wallet balance/top-up, and
// the run endpoint that streams engine events as SSE.
func NewHandler(store storage.Store, client llm.Client, table *pricing.Table) http.Handler {
	ledgerSvc := ledger.NewLedgerService(store, log.GetLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/wallet", walletHandler(ledgerSvc))
	mux.HandleFunc("/runs", runsHandler(ledgerSvc, client, table))
	return mux
}

// StartServer blocks serving the API on the given port.
func StartServer(port string, store storage.Store, client llm.Client, table *pricing.Table) error {
	log.GetLogger().Infof("Starting AgentFlow server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(store, client, table))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "AgentFlow server is running")
}

func walletHandler(svc *ledger.LedgerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			getBalanceHTTP(w, r, svc)
		case http.MethodPost:
			topupHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func getBalanceHTTP(w http.ResponseWriter, r *http.Request, svc *ledger.LedgerService) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "Missing 'user' parameter", http.StatusBadRequest)
		return
	}
	balance, err := svc.Balance(userID)
	if err != nil {
		log.GetLogger().Errorf("Failed to read balance: %v", err)
		http.Error(w, fmt.Sprintf("Failed to read balance: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, balanceResponse{UserID: userID, BalanceMicros: balance})
}

func topupHTTP(w http.ResponseWriter, r *http.Request, svc *ledger.LedgerService) {
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.AmountMicros <= 0 {
		http.Error(w, "user_id and a positive amount_micros are required", http.StatusBadRequest)
		return
	}
	balance, err := svc.Credit(req.UserID, req.AmountMicros, req.PaymentRef)
	if err != nil {
		log.GetLogger().Errorf("Failed to credit wallet: %v", err)
		http.Error(w, fmt.Sprintf("Failed to credit wallet: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, balanceResponse{UserID: req.UserID, BalanceMicros: balance})
}

func runsHandler(biller engine.Biller, client llm.Client, table *pricing.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		eng, err := engine.New(engine.Config{
			OriginalPrompt:    req.Prompt,
			Subtasks:          req.Subtasks,
			OrchestratorModel: req.OrchestratorModel,
			UserID:            req.UserID,
			Zone:              req.Zone,
			Client:            client,
			Biller:            biller,
			Pricing:           table,
			Logger:            log.GetLogger(),
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid submission: %v", err), http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		go func() {
			// Run errors surface through the event stream; a cancelled
			// context just ends the run early.
			if err := eng.Run(r.Context()); err != nil {
				log.GetLogger().Infof("Run ended: %v", err)
			}
		}()

		for ev := range eng.Events() {
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				log.GetLogger().Errorf("Failed to marshal event %s: %v", ev.Kind, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
