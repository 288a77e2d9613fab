package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[string]*model.Listing
	orders    map[string]*model.Order
	sessions  map[string]*model.TradeSession
	messages  []model.TradeMessage
	accounts  map[string]*model.WalletAccount
	ledger    []model.WalletTransaction
	intents   map[string]*model.SettlementIntent
	snapshots map[string][]model.RankingSnapshot // periodType|periodDate → rows
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[string]*model.Listing),
		orders:    make(map[string]*model.Order),
		sessions:  make(map[string]*model.TradeSession),
		accounts:  make(map[string]*model.WalletAccount),
		intents:   make(map[string]*model.SettlementIntent),
		snapshots: make(map[string][]model.RankingSnapshot),
	}
}

// --- Listings ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.listings[l.ID]; exists {
		return apperr.E(apperr.KindConflict, "listing %s already exists", l.ID)
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListListings(_ context.Context, f ListingFilter) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Listing
	for _, l := range s.listings {
		if f.SellerID != "" && l.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(l.Title), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) UpdateListingDetails(_ context.Context, id string, patch ListingPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	if patch.Title != nil {
		l.Title = *patch.Title
	}
	if patch.Description != nil {
		l.Description = *patch.Description
	}
	if patch.UnitPrice != nil {
		l.UnitPrice = *patch.UnitPrice
	}
	return nil
}

func (s *MemoryStore) SetListingStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	l.Status = status
	return nil
}

func (s *MemoryStore) ReserveListingQuantity(_ context.Context, id string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	if l.AvailableQuantity() < qty {
		return apperr.E(apperr.KindInsufficientQuantity,
			"listing %s has %d available, want %d", id, l.AvailableQuantity(), qty)
	}
	l.ReservedQuantity += qty
	return nil
}

func (s *MemoryStore) ReleaseListingQuantity(_ context.Context, id string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	if l.ReservedQuantity < qty {
		return apperr.E(apperr.KindConflict,
			"listing %s has %d reserved, cannot release %d", id, l.ReservedQuantity, qty)
	}
	l.ReservedQuantity -= qty
	return nil
}

func (s *MemoryStore) CommitListingSale(_ context.Context, id string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	if l.ReservedQuantity < qty {
		return apperr.E(apperr.KindConflict,
			"listing %s has %d reserved, cannot commit %d", id, l.ReservedQuantity, qty)
	}
	l.ReservedQuantity -= qty
	l.SoldQuantity += qty
	if l.AvailableQuantity() == 0 && l.Status == model.ListingActive {
		l.Status = model.ListingSoldOut
	}
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return apperr.E(apperr.KindConflict, "order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrderByClientRequestID(_ context.Context, buyerID, requestID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.BuyerID == buyerID && o.ClientRequestID == requestID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, apperr.E(apperr.KindNotFound, "no order for request %s", requestID)
}

func (s *MemoryStore) ListOrdersByListing(_ context.Context, listingID string, statuses []string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.ListingID != listingID {
			continue
		}
		if len(statuses) > 0 && !containsStr(statuses, o.Status) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListCompletedOrders(_ context.Context, from, to time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status != model.OrderCompleted || o.CompletedAt == nil {
			continue
		}
		if o.CompletedAt.Before(from) || !o.CompletedAt.Before(to) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionOrder(_ context.Context, id, from, to string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "order %s not found", id)
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	ts := at
	switch to {
	case model.OrderConfirmed:
		o.ConfirmedAt = &ts
	case model.OrderCompleted:
		o.CompletedAt = &ts
	case model.OrderCancelled:
		o.CancelledAt = &ts
	}
	return true, nil
}

func (s *MemoryStore) CompleteOrderAndCommitSale(_ context.Context, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "order %s not found", orderID)
	}
	if o.Status != model.OrderConfirmed {
		return false, nil
	}
	l, ok := s.listings[o.ListingID]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "listing %s not found", o.ListingID)
	}
	if l.ReservedQuantity < o.Quantity {
		return false, apperr.E(apperr.KindConflict,
			"listing %s has %d reserved, order %s needs %d", l.ID, l.ReservedQuantity, orderID, o.Quantity)
	}

	ts := at
	o.Status = model.OrderCompleted
	o.CompletedAt = &ts
	l.ReservedQuantity -= o.Quantity
	l.SoldQuantity += o.Quantity
	if l.AvailableQuantity() == 0 && l.Status == model.ListingActive {
		l.Status = model.ListingSoldOut
	}
	return true, nil
}

func (s *MemoryStore) SetOrderSellerNotes(_ context.Context, id, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "order %s not found", id)
	}
	o.SellerNotes = notes
	return nil
}

func (s *MemoryStore) SetOrderCancelReason(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return apperr.E(apperr.KindNotFound, "order %s not found", id)
	}
	o.CancelReason = reason
	return nil
}

// --- Trade sessions ---

func (s *MemoryStore) CreateTradeSession(_ context.Context, sess *model.TradeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.OrderID == sess.OrderID {
			return apperr.E(apperr.KindConflict, "session for order %s already exists", sess.OrderID)
		}
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTradeSession(_ context.Context, id string) (*model.TradeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "trade session %s not found", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) GetTradeSessionByOrder(_ context.Context, orderID string) (*model.TradeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.OrderID == orderID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, apperr.E(apperr.KindNotFound, "no trade session for order %s", orderID)
}

func (s *MemoryStore) MarkSellerTransferred(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "trade session %s not found", id)
	}
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionDisputed {
		return false, nil
	}
	if sess.SellerTransferredAt != nil {
		return false, nil
	}
	ts := at
	sess.SellerTransferredAt = &ts
	if sess.BuyerReceivedAt == nil {
		sess.Status = model.SessionAwaitingBuyerReceipt
	}
	return true, nil
}

func (s *MemoryStore) MarkBuyerReceived(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "trade session %s not found", id)
	}
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionDisputed {
		return false, nil
	}
	if sess.BuyerReceivedAt != nil {
		return false, nil
	}
	ts := at
	sess.BuyerReceivedAt = &ts
	return true, nil
}

func (s *MemoryStore) CompleteTradeSession(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "trade session %s not found", id)
	}
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionDisputed {
		return false, nil
	}
	if sess.SellerTransferredAt == nil || sess.BuyerReceivedAt == nil {
		return false, nil
	}
	sess.Status = model.SessionCompleted
	return true, nil
}

func (s *MemoryStore) MarkSessionDisputed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, apperr.E(apperr.KindNotFound, "trade session %s not found", id)
	}
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionDisputed {
		return false, nil
	}
	sess.Status = model.SessionDisputed
	return true, nil
}

func (s *MemoryStore) ListStaleSessions(_ context.Context, cutoff time.Time) ([]model.TradeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeSession
	for _, sess := range s.sessions {
		if sess.Status == model.SessionCompleted || sess.Status == model.SessionDisputed {
			continue
		}
		var firstConfirm *time.Time
		switch {
		case sess.SellerTransferredAt != nil && sess.BuyerReceivedAt == nil:
			firstConfirm = sess.SellerTransferredAt
		case sess.BuyerReceivedAt != nil && sess.SellerTransferredAt == nil:
			firstConfirm = sess.BuyerReceivedAt
		}
		if firstConfirm != nil && firstConfirm.Before(cutoff) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

// --- Trade messages ---

func (s *MemoryStore) AppendTradeMessage(_ context.Context, m *model.TradeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[m.SessionID]; !ok {
		return apperr.E(apperr.KindNotFound, "trade session %s not found", m.SessionID)
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *MemoryStore) ListTradeMessages(_ context.Context, sessionID, readerID string) ([]model.TradeMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []model.TradeMessage
	for i := range s.messages {
		m := &s.messages[i]
		if m.SessionID != sessionID {
			continue
		}
		if readerID != "" && m.SenderUserID != readerID && m.ReadAt == nil {
			ts := now
			m.ReadAt = &ts
		}
		out = append(out, *m)
	}
	return out, nil
}

// --- Wallet ---

func (s *MemoryStore) GetWalletAccount(_ context.Context, userID string) (*model.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return &model.WalletAccount{UserID: userID}, nil
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ApplyWalletTransaction(_ context.Context, txn *model.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[txn.UserID]
	if !ok {
		acct = &model.WalletAccount{UserID: txn.UserID}
		s.accounts[txn.UserID] = acct
	}
	if acct.Balance+txn.Delta < 0 {
		return apperr.E(apperr.KindInsufficientBalance,
			"wallet %s balance %d, delta %d", txn.UserID, acct.Balance, txn.Delta)
	}
	acct.Balance += txn.Delta
	acct.UpdatedAt = txn.CreatedAt
	txn.BalanceAfter = acct.Balance
	s.ledger = append(s.ledger, *txn)
	return nil
}

func (s *MemoryStore) ListWalletTransactions(_ context.Context, userID string, f TxnFilter) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WalletTransaction
	for i := len(s.ledger) - 1; i >= 0; i-- {
		t := s.ledger[i]
		if t.UserID != userID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t)
	}
	return paginate(out, f.Limit, f.Offset), nil
}

// --- Settlement intents ---

func (s *MemoryStore) CreateSettlementIntent(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[orderID]; exists {
		return nil
	}
	s.intents[orderID] = &model.SettlementIntent{OrderID: orderID, CreatedAt: at}
	return nil
}

func (s *MemoryStore) GetSettlementIntent(_ context.Context, orderID string) (*model.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[orderID]
	if !ok {
		return nil, apperr.E(apperr.KindNotFound, "settlement intent for order %s not found", orderID)
	}
	cp := *intent
	return &cp, nil
}

func (s *MemoryStore) MarkSettlementDone(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[orderID]
	if !ok {
		return apperr.E(apperr.KindNotFound, "settlement intent for order %s not found", orderID)
	}
	ts := at
	intent.Done = true
	intent.SettledAt = &ts
	return nil
}

func (s *MemoryStore) ListPendingSettlementIntents(_ context.Context) ([]model.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementIntent
	for _, intent := range s.intents {
		if !intent.Done {
			out = append(out, *intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Ranking snapshots ---

func (s *MemoryStore) ReplaceRankingSnapshots(_ context.Context, periodType string, periodDate time.Time, rows []model.RankingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshotKey(periodType, periodDate)] = append([]model.RankingSnapshot(nil), rows...)
	return nil
}

func (s *MemoryStore) ListRankingSnapshots(_ context.Context, periodType string, periodDate time.Time, metric string) ([]model.RankingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RankingSnapshot
	for _, row := range s.snapshots[snapshotKey(periodType, periodDate)] {
		if metric != "" && row.Metric != metric {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// --- helpers ---

func snapshotKey(periodType string, periodDate time.Time) string {
	return periodType + "|" + periodDate.UTC().Format("2006-01-02")
}

func containsStr(hay []string, needle string) bool {
	for _, s := range hay {
		if s == needle {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
