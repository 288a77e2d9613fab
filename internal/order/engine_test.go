package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/listing"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/order"
	"github.com/pmx/trade-engine/internal/settle"
	"github.com/pmx/trade-engine/internal/store"
	"github.com/pmx/trade-engine/internal/wallet"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	ms       *store.MemoryStore
	ledger   *wallet.Ledger
	listings *listing.Service
	engine   *order.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	ledger := wallet.NewLedger(ms)
	listings := listing.NewService(ms)
	coord := settle.NewCoordinator(ms, ledger, nil)
	return &env{
		ms:       ms,
		ledger:   ledger,
		listings: listings,
		engine:   order.NewEngine(ms, listings, ledger, coord, nil, d("0.05")),
	}
}

func (e *env) fund(t *testing.T, userID string, points int64) {
	t.Helper()
	if _, err := e.ledger.Credit(context.Background(), userID, points, model.TxnAdminAdjustment, "", "seed"); err != nil {
		t.Fatalf("failed to fund %s: %v", userID, err)
	}
}

func (e *env) listing(t *testing.T, sellerID, price string, qty int64) *model.Listing {
	t.Helper()
	l, err := e.listings.Create(context.Background(), sellerID, "vintage camera", "works fine", d(price), qty, nil)
	if err != nil {
		t.Fatalf("failed to create listing: %v", err)
	}
	return l
}

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 100)

	o, err := e.engine.Create(ctx, "buyer1", l.ID, 3, "ship fast please", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if o.Status != model.OrderPending {
		t.Errorf("expected pending, got %s", o.Status)
	}
	if !o.TotalAmount.Equal(d("75.00")) {
		t.Errorf("expected total 75.00, got %s", o.TotalAmount)
	}
	if o.SellerID != "seller1" {
		t.Errorf("expected frozen seller, got %s", o.SellerID)
	}
	if o.BuyerNotes != "ship fast please" {
		t.Errorf("buyer notes lost: %q", o.BuyerNotes)
	}

	got, _ := e.ms.GetListing(ctx, l.ID)
	if got.ReservedQuantity != 3 {
		t.Errorf("expected 3 reserved, got %d", got.ReservedQuantity)
	}

	// No money moves at creation.
	balance, _ := e.ledger.GetBalance(ctx, "buyer1")
	if balance != 100 {
		t.Errorf("expected untouched balance 100, got %d", balance)
	}
}

func TestCreateOrder_PriceFrozenAtCreation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 100)

	o, err := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	newPrice := d("40.00")
	if _, err := e.listings.Update(ctx, l.ID, "seller1", store.ListingPatch{UnitPrice: &newPrice}); err != nil {
		t.Fatalf("price update failed: %v", err)
	}

	got, _ := e.ms.GetOrder(ctx, o.ID)
	if !got.UnitPriceAtPurchase.Equal(d("25.00")) {
		t.Errorf("order price changed after listing edit: %s", got.UnitPriceAtPurchase)
	}
	if !got.TotalAmount.Equal(d("50.00")) {
		t.Errorf("order total changed after listing edit: %s", got.TotalAmount)
	}
}

func TestCreateOrder_SelfTradeForbidden(t *testing.T) {
	e := newEnv(t)
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "seller1", 100)

	_, err := e.engine.Create(context.Background(), "seller1", l.ID, 1, "", "")
	if apperr.KindOf(err) != apperr.KindSelfTradeForbidden {
		t.Errorf("expected self_trade_forbidden, got %v", err)
	}
}

func TestCreateOrder_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 40) // needs 50

	_, err := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")
	if apperr.KindOf(err) != apperr.KindInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}

	// Nothing was reserved, so other buyers are unaffected.
	got, _ := e.ms.GetListing(ctx, l.ID)
	if got.ReservedQuantity != 0 {
		t.Errorf("expected 0 reserved after rejection, got %d", got.ReservedQuantity)
	}
	orders, _ := e.ms.ListOrdersByUser(ctx, "buyer1")
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}

	e.fund(t, "buyer2", 100)
	if _, err := e.engine.Create(ctx, "buyer2", l.ID, 2, "", ""); err != nil {
		t.Errorf("second buyer should succeed: %v", err)
	}
}

func TestCreateOrder_ClientRequestIDDedupe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "buyer1", 100)

	first, err := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "req-123")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	retry, err := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "req-123")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.ID != first.ID {
		t.Errorf("retry created a new order: %s vs %s", retry.ID, first.ID)
	}

	got, _ := e.ms.GetListing(ctx, l.ID)
	if got.ReservedQuantity != 1 {
		t.Errorf("expected single reservation, got %d", got.ReservedQuantity)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)

	if _, err := e.engine.Create(ctx, "", l.ID, 1, "", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for empty buyer, got %v", err)
	}
	if _, err := e.engine.Create(ctx, "buyer1", l.ID, 0, "", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for zero quantity, got %v", err)
	}
	if _, err := e.engine.Create(ctx, "buyer1", "missing", 1, "", ""); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not_found for missing listing, got %v", err)
	}
}

func TestConfirmOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 100)

	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")

	confirmed, err := e.engine.Confirm(ctx, o.ID, "seller1", "shipping tomorrow")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != model.OrderConfirmed {
		t.Errorf("expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.SellerNotes != "shipping tomorrow" {
		t.Errorf("seller notes lost: %q", confirmed.SellerNotes)
	}
	if confirmed.ConfirmedAt == nil {
		t.Error("expected confirmed_at timestamp")
	}

	// Escrow hold taken.
	balance, _ := e.ledger.GetBalance(ctx, "buyer1")
	if balance != 50 {
		t.Errorf("expected 50 after escrow hold, got %d", balance)
	}

	// Trade session opened.
	sess, err := e.ms.GetTradeSessionByOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("expected trade session: %v", err)
	}
	if sess.Status != model.SessionAwaitingSellerTransfer {
		t.Errorf("expected awaiting_seller_transfer, got %s", sess.Status)
	}
}

func TestConfirmOrder_SellerOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "")

	if _, err := e.engine.Confirm(ctx, o.ID, "buyer1", ""); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("expected forbidden for buyer confirm, got %v", err)
	}
}

func TestConfirmOrder_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "")

	if _, err := e.engine.Confirm(ctx, o.ID, "seller1", ""); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := e.engine.Confirm(ctx, o.ID, "seller1", ""); err != nil {
		t.Fatalf("second confirm should be a no-op: %v", err)
	}

	// Only one escrow hold.
	balance, _ := e.ledger.GetBalance(ctx, "buyer1")
	if balance != 90 {
		t.Errorf("expected single hold (balance 90), got %d", balance)
	}
}

func TestConfirmOrder_UnderfundedBuyerStaysPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 60)

	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")

	// Buyer spends down between creation and confirmation.
	if _, err := e.ledger.Adjust(ctx, "buyer1", -20, "spent elsewhere"); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	_, err := e.engine.Confirm(ctx, o.ID, "seller1", "")
	if apperr.KindOf(err) != apperr.KindInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", err)
	}

	got, _ := e.ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderPending {
		t.Errorf("order should stay pending, got %s", got.Status)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")

	cancelled, err := e.engine.Cancel(ctx, o.ID, "buyer1", "changed my mind")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != model.OrderCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelReason != "changed my mind" {
		t.Errorf("cancel reason lost: %q", cancelled.CancelReason)
	}

	// Reservation released; no refund needed because no hold was taken.
	got, _ := e.ms.GetListing(ctx, l.ID)
	if got.ReservedQuantity != 0 {
		t.Errorf("expected reservation released, got %d", got.ReservedQuantity)
	}
	history, _ := e.ledger.GetHistory(ctx, "buyer1", store.TxnFilter{Type: model.TxnRefund})
	if len(history) != 0 {
		t.Errorf("expected no refund entries, got %d", len(history))
	}
}

func TestCancelConfirmedOrder_RefundsHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")
	if _, err := e.engine.Confirm(ctx, o.ID, "seller1", ""); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	if _, err := e.engine.Cancel(ctx, o.ID, "seller1", "out of stock"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	balance, _ := e.ledger.GetBalance(ctx, "buyer1")
	if balance != 100 {
		t.Errorf("expected full refund to 100, got %d", balance)
	}
	refunds, _ := e.ledger.GetHistory(ctx, "buyer1", store.TxnFilter{Type: model.TxnRefund})
	if len(refunds) != 1 {
		t.Fatalf("expected 1 refund entry, got %d", len(refunds))
	}
	if refunds[0].RelatedOrderID != o.ID {
		t.Errorf("refund not linked to order: %q", refunds[0].RelatedOrderID)
	}
}

func TestCancelTerminalOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "")
	if _, err := e.engine.Cancel(ctx, o.ID, "buyer1", ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if _, err := e.engine.Cancel(ctx, o.ID, "buyer1", ""); apperr.KindOf(err) != apperr.KindInvalidStateTransition {
		t.Errorf("expected invalid_state_transition on double cancel, got %v", err)
	}
}

func TestCancelBlockedOnceSettlementTriggered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "25.00", 10)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 2, "", "")
	if _, err := e.engine.Confirm(ctx, o.ID, "seller1", ""); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	// Settlement has been triggered but not finished yet.
	if err := e.ms.CreateSettlementIntent(ctx, o.ID, time.Now().UTC()); err != nil {
		t.Fatalf("intent failed: %v", err)
	}

	_, err := e.engine.Cancel(ctx, o.ID, "buyer1", "too late")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	// The hold is untouched and no refund was minted.
	got, _ := e.ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderConfirmed {
		t.Errorf("expected order still confirmed, got %s", got.Status)
	}
	refunds, _ := e.ledger.GetHistory(ctx, "buyer1", store.TxnFilter{Type: model.TxnRefund})
	if len(refunds) != 0 {
		t.Errorf("expected no refund entries, got %d", len(refunds))
	}
}

func TestOrderVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "")

	if _, err := e.engine.Get(ctx, o.ID, "buyer1"); err != nil {
		t.Errorf("buyer should see the order: %v", err)
	}
	if _, err := e.engine.Get(ctx, o.ID, "seller1"); err != nil {
		t.Errorf("seller should see the order: %v", err)
	}
	if _, err := e.engine.Get(ctx, o.ID, "stranger"); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("stranger should be rejected, got %v", err)
	}
}

func TestConfirmAfterCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.listing(t, "seller1", "10.00", 5)
	e.fund(t, "buyer1", 100)
	o, _ := e.engine.Create(ctx, "buyer1", l.ID, 1, "", "")

	now := time.Now().UTC()
	if _, err := e.ms.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderCancelled, now); err != nil {
		t.Fatalf("seed transition failed: %v", err)
	}

	_, err := e.engine.Confirm(ctx, o.ID, "seller1", "")
	if apperr.KindOf(err) != apperr.KindInvalidStateTransition {
		t.Fatalf("expected invalid_state_transition, got %v", err)
	}

	// No hold was taken on the rejected confirm.
	balance, _ := e.ledger.GetBalance(ctx, "buyer1")
	if balance != 100 {
		t.Errorf("expected untouched balance 100, got %d", balance)
	}
	holds, _ := e.ledger.GetHistory(ctx, "buyer1", store.TxnFilter{Type: model.TxnEscrowHold})
	if len(holds) != 0 {
		t.Errorf("expected no escrow holds, got %d", len(holds))
	}
}
