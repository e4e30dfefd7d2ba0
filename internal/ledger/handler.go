package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/stream-market/internal/model"
)

// Handler exposes l over the JSON protocol spoken by HTTPClient. It is used
// by cmd/ledgersim to run the Memory ledger as a standalone process.
func Handler(l Ledger) http.Handler {
	h := &handler{l: l}
	r := chi.NewRouter()

	r.Get("/streams/{id}", h.getStream)
	r.Get("/streams", h.listStreams)
	r.Post("/streams", h.createStream)
	r.Post("/streams/{id}/withdraw", h.withdraw)
	r.Post("/streams/{id}/sell", h.sellShare)
	r.Post("/streams/{id}/transfer", h.transferStream)

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders", h.createOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/buy", h.buyOrder)

	r.Get("/accounts/{addr}/balance", h.balance)
	r.Get("/accounts/{addr}/transactions", h.transactions)
	r.Post("/transfers", h.transfer)
	return r
}

type handler struct {
	l Ledger
}

func (h *handler) getStream(w http.ResponseWriter, r *http.Request) {
	s, err := h.l.GetStream(r.Context(), chi.URLParam(r, "id"))
	respond(w, s, err)
}

func (h *handler) listStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.l.ListStreamsOwnedBy(r.Context(), r.URL.Query().Get("owner"))
	if streams == nil {
		streams = []model.Stream{}
	}
	respond(w, streams, err)
}

func (h *handler) createStream(w http.ResponseWriter, r *http.Request) {
	var req CreateStreamRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.CreateStream(r.Context(), req)
	respond(w, rc, err)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.Withdraw(r.Context(), req.Caller, chi.URLParam(r, "id"), req.Amount)
	respond(w, rc, err)
}

func (h *handler) sellShare(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.SellShare(r.Context(), req.Caller, chi.URLParam(r, "id"), req.Amount)
	respond(w, rc, err)
}

func (h *handler) transferStream(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.TransferStream(r.Context(), req.From, chi.URLParam(r, "id"), req.To)
	respond(w, rc, err)
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.l.ListAllOrders(r.Context())
	if orders == nil {
		orders = []model.Order{}
	}
	respond(w, orders, err)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.l.GetOrder(r.Context(), chi.URLParam(r, "id"))
	respond(w, o, err)
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.CreateOrder(r.Context(), req)
	respond(w, rc, err)
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.CancelOrder(r.Context(), req.Caller, chi.URLParam(r, "id"))
	respond(w, rc, err)
}

func (h *handler) buyOrder(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.BuyOrder(r.Context(), req.Caller, chi.URLParam(r, "id"))
	respond(w, rc, err)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.l.BalanceOf(r.Context(), chi.URLParam(r, "addr"))
	if err != nil {
		respond(w, nil, err)
		return
	}
	respond(w, map[string]any{"balance": bal}, nil)
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.l.TransactionsOf(r.Context(), chi.URLParam(r, "addr"))
	if txs == nil {
		txs = []model.Transaction{}
	}
	respond(w, txs, err)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := h.l.Transfer(r.Context(), req.From, req.To, req.Amount)
	respond(w, rc, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err.Error(), StatusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// StatusFor maps the error taxonomy to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
