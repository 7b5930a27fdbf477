package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
)

// Market is the purchase coordinator as seen by the transport layer.
type Market interface {
	Purchase(ctx context.Context, req service.PurchaseRequest) (domain.Sale, error)
	UpdatePrice(ctx context.Context, req service.PriceUpdateRequest) error
	SetRentFunding(ctx context.Context, req service.FundingRequest) error
	ListProduct(ctx context.Context, req service.ListingRequest) (domain.Product, error)
	DelistProduct(ctx context.Context, sessionID, stallID string, persona domain.PersonaID, productID string) error
	Release(ctx context.Context, sessionID, stallID string, persona domain.PersonaID) error
}

// Claims is the claim negotiator as seen by the transport layer.
type Claims interface {
	Begin(ctx context.Context, req service.BeginClaim, window service.ClaimWindow) (domain.ClaimOffer, error)
	Select(ctx context.Context, persona domain.PersonaID, method domain.PaymentMethod) (*domain.Stall, error)
	Cancel(persona domain.PersonaID) bool
	Pending(persona domain.PersonaID) (domain.PendingClaim, bool)
}

type HTTPHandler struct {
	market Market
	claims Claims
	hub    *Hub
	auth   *Authenticator
	logger *log.Logger
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type PurchaseHTTPRequest struct {
	SessionID string `json:"session_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	RequestID string `json:"request_id"`
}

type PriceHTTPRequest struct {
	SessionID string `json:"session_id"`
	Price     *int64 `json:"price"`
}

type ListingHTTPRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	ItemData  []byte `json:"item_data"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	Consignor string `json:"consignor"`
}

type FundingHTTPRequest struct {
	SessionID   string `json:"session_id"`
	UseExternal bool   `json:"use_external"`
}

type SessionHTTPRequest struct {
	SessionID string `json:"session_id"`
}

type SelectClaimHTTPRequest struct {
	Method domain.PaymentMethod `json:"method"`
}

type SaleView struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	ItemRef   string `json:"item_ref"`
}

type StallView struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	NextRentDue string `json:"next_rent_due"`
	Open        bool   `json:"open"`
}

func NewHTTPHandler(market Market, claims Claims, hub *Hub, auth *Authenticator, logger *log.Logger) *HTTPHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPHandler{market: market, claims: claims, hub: hub, auth: auth, logger: logger}
}

// Router wires the public health check and the authenticated market API.
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.auth.Middleware)
	api.HandleFunc("/stalls/{stallID}/sessions/{kind}", h.hub.MarketSession).Methods(http.MethodGet)
	api.HandleFunc("/stalls/{stallID}/purchase", h.Purchase).Methods(http.MethodPost)
	api.HandleFunc("/stalls/{stallID}/products", h.ListProduct).Methods(http.MethodPost)
	api.HandleFunc("/stalls/{stallID}/products/{productID}", h.DelistProduct).Methods(http.MethodDelete)
	api.HandleFunc("/stalls/{stallID}/products/{productID}/price", h.UpdatePrice).Methods(http.MethodPut)
	api.HandleFunc("/stalls/{stallID}/funding", h.SetRentFunding).Methods(http.MethodPut)
	api.HandleFunc("/stalls/{stallID}/release", h.Release).Methods(http.MethodPost)
	api.HandleFunc("/stalls/{stallID}/claim", h.BeginClaim).Methods(http.MethodPost)
	api.HandleFunc("/claim", h.PendingClaim).Methods(http.MethodGet)
	api.HandleFunc("/claim", h.CancelClaim).Methods(http.MethodDelete)
	api.HandleFunc("/claim/select", h.SelectClaim).Methods(http.MethodPost)
	api.HandleFunc("/claim/window", h.hub.ClaimWindow).Methods(http.MethodGet)
	api.HandleFunc("/notifications", h.hub.Notifications).Methods(http.MethodGet)
	return r
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req PurchaseHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ProductID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}

	sale, err := h.market.Purchase(r.Context(), service.PurchaseRequest{
		SessionID: req.SessionID,
		StallID:   mux.Vars(r)["stallID"],
		Buyer:     id.Persona,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.fail(w, "purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "purchase complete",
		Data: SaleView{
			ID:        sale.ID,
			ProductID: sale.ProductID,
			Quantity:  sale.Quantity,
			UnitPrice: sale.UnitPrice,
			ItemRef:   sale.ItemRef,
		},
	})
}

func (h *HTTPHandler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req PriceHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Price == nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}
	vars := mux.Vars(r)
	err := h.market.UpdatePrice(r.Context(), service.PriceUpdateRequest{
		SessionID:  req.SessionID,
		StallID:    vars["stallID"],
		Persona:    id.Persona,
		ProductID:  vars["productID"],
		Price:      *req.Price,
		SkipOrigin: true,
	})
	if err != nil {
		h.fail(w, "update price", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "price updated"})
}

func (h *HTTPHandler) ListProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req ListingHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}
	product, err := h.market.ListProduct(r.Context(), service.ListingRequest{
		SessionID: req.SessionID,
		StallID:   mux.Vars(r)["stallID"],
		Persona:   id.Persona,
		Name:      req.Name,
		ItemData:  req.ItemData,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Consignor: domain.PersonaID(req.Consignor),
	})
	if err != nil {
		h.fail(w, "list product", err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "product listed", Data: map[string]string{"id": product.ID}})
}

func (h *HTTPHandler) DelistProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}
	vars := mux.Vars(r)
	if err := h.market.DelistProduct(r.Context(), sessionID, vars["stallID"], id.Persona, vars["productID"]); err != nil {
		h.fail(w, "delist product", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "product removed"})
}

func (h *HTTPHandler) SetRentFunding(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req FundingHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}
	err := h.market.SetRentFunding(r.Context(), service.FundingRequest{
		SessionID:   req.SessionID,
		StallID:     mux.Vars(r)["stallID"],
		Persona:     id.Persona,
		UseExternal: req.UseExternal,
	})
	if err != nil {
		h.fail(w, "set rent funding", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "rent funding updated"})
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req SessionHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}
	if err := h.market.Release(r.Context(), req.SessionID, mux.Vars(r)["stallID"], id.Persona); err != nil {
		h.fail(w, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "stall released"})
}

func (h *HTTPHandler) BeginClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	persona := id.Persona
	offer, err := h.claims.Begin(r.Context(), service.BeginClaim{
		Persona:     persona,
		PersonaName: id.Name,
		StallID:     mux.Vars(r)["stallID"],
	}, service.ClaimWindow{
		OnClose: func(message string) { h.hub.CloseClaim(persona, message) },
	})
	if err != nil {
		h.fail(w, "begin claim", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "choose a payment method", Data: offer})
}

func (h *HTTPHandler) PendingClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	pending, ok := h.claims.Pending(id.Persona)
	if !ok {
		h.fail(w, "pending claim", service.ErrNegotiationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: pending.Offer()})
}

func (h *HTTPHandler) SelectClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req SelectClaimHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	stall, err := h.claims.Select(r.Context(), id.Persona, req.Method)
	if err != nil {
		h.fail(w, "select claim", err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "stall claimed",
		Data: StallView{
			ID:          stall.ID,
			Owner:       string(stall.Owner),
			NextRentDue: stall.NextRentDue.Format(time.RFC3339),
			Open:        stall.Open(),
		},
	})
}

func (h *HTTPHandler) CancelClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if !h.claims.Cancel(id.Persona) {
		h.fail(w, "cancel claim", service.ErrNegotiationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "claim cancelled"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, Response{Message: ErrMissingToken.Error()})
	}
	return id, ok
}

func (h *HTTPHandler) fail(w http.ResponseWriter, op string, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Printf("http: %s: %v", op, err)
	}
	writeJSON(w, status, Response{Message: service.UserMessage(err)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
