package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"restaurant-sync/internal/common/httpx"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/connectivity"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/hub"
	"restaurant-sync/internal/peer"
	"restaurant-sync/internal/queue"
	"restaurant-sync/internal/router"
	"restaurant-sync/internal/syncman"
)

// statusDeps carries whatever the running mode has; nil fields disable the
// endpoints that need them.
type statusDeps struct {
	role       string
	lg         *logger.Logger
	queue      *queue.Queue
	maxRetries int
	monitor    *connectivity.Monitor
	sync       *syncman.Manager
	router     *router.Router
	hub        *hub.Coordinator
	peer       *peer.Client
}

type statusResponse struct {
	Role         string               `json:"role"`
	HubConnected bool                 `json:"hub_connected"`
	Online       bool                 `json:"online"`
	Queued       int                  `json:"queued"`
	Peers        []domain.Device      `json:"peers,omitempty"`
	Exhausted    []exhaustedOrderView `json:"exhausted,omitempty"`
}

type exhaustedOrderView struct {
	ClientID    string     `json:"client_id"`
	RetryCount  int        `json:"retry_count"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type placeOrderRequest struct {
	Order domain.Order       `json:"order"`
	Items []domain.OrderItem `json:"items"`
}

// runStatusServer serves the local operations endpoint: current sync state,
// a manual sync trigger, order placement through the priority router and,
// on hubs, pairing-offer creation.
func runStatusServer(ctx context.Context, port int, deps statusDeps) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := statusResponse{Role: deps.role}
		if deps.peer != nil {
			resp.HubConnected = deps.peer.Connected()
		}
		if deps.monitor != nil {
			resp.Online = deps.monitor.Online()
		}
		if deps.hub != nil {
			resp.Peers = deps.hub.Peers()
			resp.HubConnected = true
		}
		if deps.queue != nil {
			if n, err := deps.queue.Count(r.Context()); err == nil {
				resp.Queued = n
			}
			exhausted, err := deps.queue.ListExhausted(r.Context(), deps.maxRetries)
			if err == nil {
				for _, rec := range exhausted {
					view := exhaustedOrderView{
						ClientID:    rec.Order.ClientID,
						RetryCount:  rec.RetryCount,
						LastAttempt: rec.LastSyncAttempt,
					}
					if rec.ErrorMessage != nil {
						view.Error = *rec.ErrorMessage
					}
					resp.Exhausted = append(resp.Exhausted, view)
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.sync == nil {
			http.Error(w, "sync not available in this mode", http.StatusConflict)
			return
		}
		if deps.monitor != nil {
			deps.monitor.Check()
		}
		deps.sync.Wake()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync scheduled"})
	})

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.router == nil {
			http.Error(w, "order placement not available in this mode", http.StatusConflict)
			return
		}
		var req placeOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Order.ClientID == "" {
			req.Order.ClientID = uuid.NewString()
		}
		if req.Order.Status == "" {
			req.Order.Status = domain.StatusPending
		}
		if req.Order.CreatedAt.IsZero() {
			req.Order.CreatedAt = time.Now().UTC()
		}
		res, err := deps.router.PlaceOrder(r.Context(), req.Order, req.Items)
		if err != nil {
			if domain.IsValidation(err) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "order could not be accepted", http.StatusServiceUnavailable)
			return
		}
		deps.lg.Debug("order_accepted", map[string]any{
			"client_id": req.Order.ClientID, "via": res.DeliveredVia,
		})
		writeJSON(w, http.StatusCreated, map[string]any{
			"client_id":     req.Order.ClientID,
			"delivered_via": res.DeliveredVia,
			"offline":       res.Offline,
		})
	})

	mux.HandleFunc("/offers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.hub == nil {
			http.Error(w, "offers are issued by the hub", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusCreated, deps.hub.CreateOffer())
	})

	srv := httpx.New(":"+strconv.Itoa(port), mux)
	return srv.Run(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
