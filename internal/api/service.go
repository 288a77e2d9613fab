// Package api provides the HTTP handlers for the marketplace: listings,
// orders, escrow trade sessions, wallets, and rankings.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Caller identity comes from gateway headers; see the auth package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/auth"
	"github.com/pmx/trade-engine/internal/escrow"
	"github.com/pmx/trade-engine/internal/events"
	"github.com/pmx/trade-engine/internal/listing"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/order"
	"github.com/pmx/trade-engine/internal/ranking"
	"github.com/pmx/trade-engine/internal/store"
	"github.com/pmx/trade-engine/internal/wallet"
)

// Service wires the domain components into HTTP handlers.
type Service struct {
	listings *listing.Service
	orders   *order.Engine
	sessions *escrow.Service
	ledger   *wallet.Ledger
	rankings *ranking.Aggregator
	events   *events.Publisher
	wsHub    *WSHub // optional, nil disables broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed; events may be nil.
func NewService(listings *listing.Service, orders *order.Engine, sessions *escrow.Service, ledger *wallet.Ledger, rankings *ranking.Aggregator, ev *events.Publisher, hub *WSHub) *Service {
	return &Service{
		listings: listings,
		orders:   orders,
		sessions: sessions,
		ledger:   ledger,
		rankings: rankings,
		events:   ev,
		wsHub:    hub,
	}
}

// Routes mounts all marketplace endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/listings", s.ListListings)
	r.Post("/listings", s.CreateListing)
	r.Get("/listings/{listingID}", s.GetListing)
	r.Patch("/listings/{listingID}", s.UpdateListing)
	r.Delete("/listings/{listingID}", s.RemoveListing)

	r.Get("/orders", s.ListOrders)
	r.Post("/orders", s.CreateOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/confirm", s.ConfirmOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Get("/orders/{orderID}/session", s.GetOrderSession)

	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Post("/sessions/{sessionID}/seller-transferred", s.SellerTransferred)
	r.Post("/sessions/{sessionID}/buyer-received", s.BuyerReceived)
	r.Get("/sessions/{sessionID}/messages", s.ListMessages)
	r.Post("/sessions/{sessionID}/messages", s.PostMessage)

	r.Get("/wallet", s.GetWallet)
	r.Get("/wallet/transactions", s.ListWalletTransactions)
	r.Post("/wallet/adjust", s.AdjustWallet)

	r.Get("/rankings", s.GetRankings)
	r.Post("/rankings/recompute", s.RecomputeRankings)
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int64           `json:"quantity"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// UpdateListingRequest is the JSON body for PATCH /listings/{listingID}.
// Absent fields are left unchanged.
type UpdateListingRequest struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
}

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	ListingID       string `json:"listing_id"`
	Quantity        int64  `json:"quantity"`
	Notes           string `json:"notes,omitempty"`
	ClientRequestID string `json:"client_request_id,omitempty"`
}

// ConfirmOrderRequest is the JSON body for POST /orders/{orderID}/confirm.
type ConfirmOrderRequest struct {
	SellerNotes string `json:"seller_notes,omitempty"`
}

// CancelOrderRequest is the JSON body for POST /orders/{orderID}/cancel.
type CancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ConfirmSessionRequest is the JSON body for the two session confirmations.
type ConfirmSessionRequest struct {
	Notes string `json:"notes,omitempty"`
}

// PostMessageRequest is the JSON body for POST /sessions/{sessionID}/messages.
type PostMessageRequest struct {
	Text       string `json:"text"`
	Attachment string `json:"attachment,omitempty"`
}

// RecomputeRankingsRequest is the JSON body for POST /rankings/recompute.
// An empty period recomputes all three periods for the date.
type RecomputeRankingsRequest struct {
	Period string `json:"period,omitempty"`
	Date   string `json:"date,omitempty"`
}

// AdjustWalletRequest is the JSON body for POST /wallet/adjust (admin only).
type AdjustWalletRequest struct {
	UserID string `json:"user_id"`
	Delta  int64  `json:"delta"`
	Note   string `json:"note,omitempty"`
}

// WalletResponse is the JSON body returned from GET /wallet.
type WalletResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// --- Listing handlers ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := s.listings.Create(r.Context(), actor.UserID, req.Title, req.Description, req.UnitPrice, req.Quantity, req.ExpiresAt)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, l)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.Get(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListListings handles GET /api/v1/listings
// Filters: ?seller_id=, ?status=, ?q= (title substring), ?limit=, ?offset=.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListingFilter{
		SellerID: q.Get("seller_id"),
		Status:   q.Get("status"),
		Query:    q.Get("q"),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}

	listings, err := s.listings.Search(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// UpdateListing handles PATCH /api/v1/listings/{listingID}
func (s *Service) UpdateListing(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req UpdateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := s.listings.Update(r.Context(), chi.URLParam(r, "listingID"), actor.UserID, store.ListingPatch{
		Title:       req.Title,
		Description: req.Description,
		UnitPrice:   req.UnitPrice,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RemoveListing handles DELETE /api/v1/listings/{listingID}
func (s *Service) RemoveListing(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := s.listings.Remove(r.Context(), chi.URLParam(r, "listingID"), actor.UserID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Order handlers ---

// CreateOrder handles POST /api/v1/orders
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := s.orders.Create(r.Context(), actor.UserID, req.ListingID, req.Quantity, req.Notes, req.ClientRequestID)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.broadcast(WSMessage{Type: "order_created", OrderID: o.ID, ListingID: o.ListingID, Status: o.Status})
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"), actor.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOrders handles GET /api/v1/orders
// Returns orders where the caller is buyer or seller.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	orders, err := s.orders.ListForUser(r.Context(), actor.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ConfirmOrder handles POST /api/v1/orders/{orderID}/confirm
// Seller accepts the order; the buyer's points move into escrow.
func (s *Service) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req ConfirmOrderRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	o, err := s.orders.Confirm(r.Context(), chi.URLParam(r, "orderID"), actor.UserID, req.SellerNotes)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.broadcast(WSMessage{Type: "order_confirmed", OrderID: o.ID, ListingID: o.ListingID, Status: o.Status})
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req CancelOrderRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	o, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "orderID"), actor.UserID, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.broadcast(WSMessage{Type: "order_cancelled", OrderID: o.ID, ListingID: o.ListingID, Status: o.Status})
	writeJSON(w, http.StatusOK, o)
}

// GetOrderSession handles GET /api/v1/orders/{orderID}/session
func (s *Service) GetOrderSession(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	sess, err := s.sessions.GetByOrder(r.Context(), chi.URLParam(r, "orderID"), actor.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Session handlers ---

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"), actor.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SellerTransferred handles POST /api/v1/sessions/{sessionID}/seller-transferred
func (s *Service) SellerTransferred(w http.ResponseWriter, r *http.Request) {
	s.confirmSession(w, r, s.sessions.ConfirmSellerTransferred)
}

// BuyerReceived handles POST /api/v1/sessions/{sessionID}/buyer-received
func (s *Service) BuyerReceived(w http.ResponseWriter, r *http.Request) {
	s.confirmSession(w, r, s.sessions.ConfirmBuyerReceived)
}

func (s *Service) confirmSession(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sessionID, actorID, notes string) (*model.TradeSession, error)) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req ConfirmSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	sess, err := fn(r.Context(), chi.URLParam(r, "sessionID"), actor.UserID, req.Notes)
	if err != nil {
		writeErr(w, err)
		return
	}

	if sess.Status == model.SessionCompleted {
		s.broadcast(WSMessage{Type: "trade_completed", OrderID: sess.OrderID, Status: sess.Status})
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListMessages handles GET /api/v1/sessions/{sessionID}/messages
// Marks the other party's messages as read for the caller.
func (s *Service) ListMessages(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	msgs, err := s.sessions.Messages(r.Context(), chi.URLParam(r, "sessionID"), actor.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.TradeMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessage handles POST /api/v1/sessions/{sessionID}/messages
func (s *Service) PostMessage(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := s.sessions.PostMessage(r.Context(), chi.URLParam(r, "sessionID"), actor.UserID, req.Text, req.Attachment)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// --- Wallet handlers ---

// GetWallet handles GET /api/v1/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	balance, err := s.ledger.GetBalance(r.Context(), actor.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{UserID: actor.UserID, Balance: balance})
}

// ListWalletTransactions handles GET /api/v1/wallet/transactions
// Filters: ?type=, ?limit=, ?offset=. Newest first.
func (s *Service) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	q := r.URL.Query()
	txns, err := s.ledger.GetHistory(r.Context(), actor.UserID, store.TxnFilter{
		Type:   q.Get("type"),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if txns == nil {
		txns = []model.WalletTransaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// AdjustWallet handles POST /api/v1/wallet/adjust
// Admin only: credits or debits an arbitrary user by a signed delta.
func (s *Service) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !actor.IsAdmin() {
		writeError(w, "admin role required", http.StatusForbidden)
		return
	}

	var req AdjustWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	txn, err := s.ledger.Adjust(r.Context(), req.UserID, req.Delta, req.Note)
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("wallet adjusted",
		"admin", actor.UserID,
		"user", req.UserID,
		"delta", req.Delta,
	)
	s.events.Publish(events.Event{
		Subject: events.SubjectWalletAdjusted,
		UserID:  req.UserID,
		Amount:  strconv.FormatInt(req.Delta, 10),
	})
	writeJSON(w, http.StatusCreated, txn)
}

// --- Ranking handlers ---

// GetRankings handles GET /api/v1/rankings
// Query: ?period=daily|weekly|monthly&date=2006-01-02&metric=amount|volume.
func (s *Service) GetRankings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	period := q.Get("period")
	if period == "" {
		period = model.PeriodDaily
	}
	metric := q.Get("metric")
	if metric == "" {
		metric = model.MetricAmount
	}
	if metric != model.MetricAmount && metric != model.MetricVolume {
		writeError(w, "metric must be amount or volume", http.StatusBadRequest)
		return
	}

	date := time.Now().UTC()
	if d := q.Get("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	rows, err := s.rankings.Snapshots(r.Context(), period, date, metric)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == nil {
		rows = []model.RankingSnapshot{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// RecomputeRankings handles POST /api/v1/rankings/recompute
// Admin only: lets an external scheduler trigger snapshot rebuilds without
// waiting for the in-process ticker.
func (s *Service) RecomputeRankings(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !actor.IsAdmin() {
		writeError(w, "admin role required", http.StatusForbidden)
		return
	}

	var req RecomputeRankingsRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	periods := []string{model.PeriodDaily, model.PeriodWeekly, model.PeriodMonthly}
	if req.Period != "" {
		periods = []string{req.Period}
	}

	rows := 0
	for _, period := range periods {
		snaps, err := s.rankings.Recompute(r.Context(), period, date)
		if err != nil {
			writeErr(w, err)
			return
		}
		rows += len(snaps)
	}

	slog.Info("ranking recompute requested",
		"admin", actor.UserID,
		"periods", len(periods),
		"rows", rows,
	)
	writeJSON(w, http.StatusOK, map[string]int{"rows": rows})
}

// --- Helpers ---

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func intParam(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr maps a domain error to an HTTP status and writes it as JSON.
func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)

	var status int
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInsufficientQuantity,
		apperr.KindInsufficientBalance,
		apperr.KindInvalidStateTransition,
		apperr.KindSelfTradeForbidden,
		apperr.KindListingHasActiveOrders,
		apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	var ae *apperr.Error
	msg := "internal error"
	if errors.As(err, &ae) {
		msg = ae.Msg
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": string(kind)})
}
