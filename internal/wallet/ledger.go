// Package wallet owns point balances and the append-only transaction log.
// It is the only component allowed to mutate balances. Every mutation appends
// an immutable WalletTransaction and updates the cached balance in the same
// atomic unit; Debit fails closed rather than allowing a negative balance.
package wallet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/metrics"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/store"
)

// Ledger serializes mutations per user so two concurrent debits cannot both
// read a stale balance. Operations on different users' wallets proceed fully
// in parallel.
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a wallet ledger over the given store.
func NewLedger(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing one user's wallet mutations.
func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[userID] = lk
	}
	return lk
}

// Debit removes amount points from the user's wallet. Fails with
// InsufficientBalance if the wallet cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, txnType, relatedOrderID, note string) (*model.WalletTransaction, error) {
	if amount <= 0 {
		return nil, apperr.E(apperr.KindValidation, "debit amount must be positive, got %d", amount)
	}
	return l.apply(ctx, userID, -amount, txnType, relatedOrderID, note)
}

// Credit adds amount points to the user's wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, txnType, relatedOrderID, note string) (*model.WalletTransaction, error) {
	if amount <= 0 {
		return nil, apperr.E(apperr.KindValidation, "credit amount must be positive, got %d", amount)
	}
	return l.apply(ctx, userID, amount, txnType, relatedOrderID, note)
}

// Adjust applies a signed delta on behalf of an administrator. A negative
// adjustment still may not take the balance below zero.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta int64, note string) (*model.WalletTransaction, error) {
	if delta == 0 {
		return nil, apperr.E(apperr.KindValidation, "adjustment delta must be non-zero")
	}
	return l.apply(ctx, userID, delta, model.TxnAdminAdjustment, "", note)
}

func (l *Ledger) apply(ctx context.Context, userID string, delta int64, txnType, relatedOrderID, note string) (*model.WalletTransaction, error) {
	if userID == "" {
		return nil, apperr.E(apperr.KindValidation, "user id is required")
	}

	lk := l.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	txn := &model.WalletTransaction{
		ID:             uuid.New().String(),
		UserID:         userID,
		Delta:          delta,
		Type:           txnType,
		RelatedOrderID: relatedOrderID,
		Note:           note,
		CreatedAt:      time.Now().UTC(),
	}

	if err := l.store.ApplyWalletTransaction(ctx, txn); err != nil {
		if apperr.Is(err, apperr.KindInsufficientBalance) {
			metrics.InsufficientBalanceTotal.Inc()
		}
		return nil, err
	}

	metrics.WalletTransactionsTotal.WithLabelValues(txnType).Inc()
	slog.Info("wallet transaction applied",
		"txn_id", txn.ID,
		"user", userID,
		"delta", delta,
		"balance_after", txn.BalanceAfter,
		"type", txnType,
		"order", relatedOrderID,
	)
	return txn, nil
}

// GetBalance returns the user's current point balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	acct, err := l.store.GetWalletAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetHistory returns the user's ledger entries, newest first.
func (l *Ledger) GetHistory(ctx context.Context, userID string, f store.TxnFilter) ([]model.WalletTransaction, error) {
	return l.store.ListWalletTransactions(ctx, userID, f)
}

// HasEntry reports whether the user already has a ledger entry of the given
// type for the given order. Settlement uses this to keep replays exactly-once.
func (l *Ledger) HasEntry(ctx context.Context, userID, relatedOrderID, txnType string) (bool, error) {
	txns, err := l.store.ListWalletTransactions(ctx, userID, store.TxnFilter{Type: txnType})
	if err != nil {
		return false, err
	}
	for _, t := range txns {
		if t.RelatedOrderID == relatedOrderID {
			return true, nil
		}
	}
	return false, nil
}
