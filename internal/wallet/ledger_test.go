package wallet_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/store"
	"github.com/pmx/trade-engine/internal/wallet"
)

func newLedger() (*wallet.Ledger, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	return wallet.NewLedger(ms), ms
}

func TestCreditDebitBalance(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	txn, err := l.Credit(ctx, "u1", 100, model.TxnAdminAdjustment, "", "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(100), txn.BalanceAfter)

	txn, err = l.Debit(ctx, "u1", 30, model.TxnEscrowHold, "o1", "hold")
	require.NoError(t, err)
	assert.Equal(t, int64(-30), txn.Delta)
	assert.Equal(t, int64(70), txn.BalanceAfter)

	balance, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestBalanceEqualsSumOfDeltas(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	require.NoError(t, errOf(l.Credit(ctx, "u1", 500, model.TxnAdminAdjustment, "", "")))
	require.NoError(t, errOf(l.Debit(ctx, "u1", 120, model.TxnEscrowHold, "o1", "")))
	require.NoError(t, errOf(l.Credit(ctx, "u1", 120, model.TxnRefund, "o1", "")))
	require.NoError(t, errOf(l.Debit(ctx, "u1", 200, model.TxnEscrowHold, "o2", "")))

	history, err := l.GetHistory(ctx, "u1", store.TxnFilter{})
	require.NoError(t, err)
	require.Len(t, history, 4)

	var sum int64
	for _, txn := range history {
		sum += txn.Delta
	}
	balance, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
}

func TestDebitInsufficientBalance(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 50, model.TxnAdminAdjustment, "", "")
	require.NoError(t, err)

	_, err = l.Debit(ctx, "u1", 51, model.TxnEscrowHold, "o1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))

	// The failed debit must leave no ledger entry and an unchanged balance.
	balance, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	history, err := l.GetHistory(ctx, "u1", store.TxnFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDebitCreditValidation(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		_, err := l.Debit(ctx, "u1", amount, model.TxnEscrowHold, "", "")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

		_, err = l.Credit(ctx, "u1", amount, model.TxnRefund, "", "")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}

	_, err := l.Adjust(ctx, "u1", 0, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = l.Credit(ctx, "", 10, model.TxnRefund, "", "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAdjustSignedDelta(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	_, err := l.Adjust(ctx, "u1", 80, "promo grant")
	require.NoError(t, err)

	txn, err := l.Adjust(ctx, "u1", -30, "correction")
	require.NoError(t, err)
	assert.Equal(t, int64(50), txn.BalanceAfter)
	assert.Equal(t, model.TxnAdminAdjustment, txn.Type)

	// An adjustment may not take a wallet negative.
	_, err = l.Adjust(ctx, "u1", -60, "")
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))
}

func TestHasEntry(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "seller", 95, model.TxnMarketSale, "o1", "sale proceeds")
	require.NoError(t, err)

	found, err := l.HasEntry(ctx, "seller", "o1", model.TxnMarketSale)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = l.HasEntry(ctx, "seller", "o2", model.TxnMarketSale)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = l.HasEntry(ctx, "seller", "o1", model.TxnRefund)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHistoryFilterByType(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	require.NoError(t, errOf(l.Credit(ctx, "u1", 100, model.TxnAdminAdjustment, "", "")))
	require.NoError(t, errOf(l.Debit(ctx, "u1", 40, model.TxnEscrowHold, "o1", "")))
	require.NoError(t, errOf(l.Credit(ctx, "u1", 40, model.TxnRefund, "o1", "")))

	refunds, err := l.GetHistory(ctx, "u1", store.TxnFilter{Type: model.TxnRefund})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(40), refunds[0].Delta)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "u1", 1000, model.TxnAdminAdjustment, "", "seed")
	require.NoError(t, err)

	const workers = 25
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", 100, model.TxnEscrowHold, "o", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))
		}
	}

	// 1000 points cover exactly 10 debits of 100.
	assert.Equal(t, 10, succeeded)

	balance, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// errOf strips the transaction from a ledger call for error-only assertions.
func errOf(_ *model.WalletTransaction, err error) error { return err }
