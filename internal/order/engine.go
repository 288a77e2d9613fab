// Package order orchestrates order creation against a listing and drives the
// order state machine: Pending → Confirmed → Completed, with Cancelled
// reachable from Pending and Confirmed only. Price, seller, and fee rate are
// frozen into the order at creation time.
package order

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/events"
	"github.com/pmx/trade-engine/internal/listing"
	"github.com/pmx/trade-engine/internal/metrics"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/settle"
	"github.com/pmx/trade-engine/internal/store"
	"github.com/pmx/trade-engine/internal/wallet"
)

// Engine creates, confirms, and cancels orders. The escrow hold (buyer
// debit) is taken at ConfirmOrder time so a seller never ships against an
// unfunded order. Cancellation serializes against settlement through the
// coordinator's order lock.
type Engine struct {
	store      store.Store
	listings   *listing.Service
	ledger     *wallet.Ledger
	settlement *settle.Coordinator
	events     *events.Publisher
	feeRate    decimal.Decimal
}

// NewEngine creates an order engine. feeRate is the platform fee fraction
// frozen into each order at creation (e.g. 0.05). events may be nil.
func NewEngine(st store.Store, listings *listing.Service, ledger *wallet.Ledger, settlement *settle.Coordinator, ev *events.Publisher, feeRate decimal.Decimal) *Engine {
	return &Engine{
		store:      st,
		listings:   listings,
		ledger:     ledger,
		settlement: settlement,
		events:     ev,
		feeRate:    feeRate,
	}
}

// Create places an order for qty units of a listing. clientRequestID, when
// set, deduplicates client retries: resending the same logical request
// returns the original order without a second reservation.
func (e *Engine) Create(ctx context.Context, buyerID, listingID string, qty int64, notes, clientRequestID string) (*model.Order, error) {
	if buyerID == "" {
		return nil, apperr.E(apperr.KindValidation, "buyer id is required")
	}
	if qty <= 0 {
		return nil, apperr.E(apperr.KindValidation, "quantity must be positive, got %d", qty)
	}

	if clientRequestID != "" {
		if existing, err := e.store.GetOrderByClientRequestID(ctx, buyerID, clientRequestID); err == nil {
			return existing, nil
		}
	}

	l, err := e.listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.SellerID == buyerID {
		return nil, apperr.E(apperr.KindSelfTradeForbidden,
			"buyer %s owns listing %s", buyerID, listingID)
	}

	total := l.UnitPrice.Mul(decimal.NewFromInt(qty))

	// Fail fast before reserving: an underfunded buyer must leave no trace.
	balance, err := e.ledger.GetBalance(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if charge := total.Round(0).IntPart(); balance < charge {
		return nil, apperr.E(apperr.KindInsufficientBalance,
			"buyer %s has %d points, order needs %d", buyerID, balance, charge)
	}

	if _, err := e.listings.Reserve(ctx, listingID, qty); err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:                  uuid.New().String(),
		ListingID:           listingID,
		BuyerID:             buyerID,
		SellerID:            l.SellerID,
		Quantity:            qty,
		UnitPriceAtPurchase: l.UnitPrice,
		TotalAmount:         total,
		PlatformFeeRate:     e.feeRate,
		Status:              model.OrderPending,
		BuyerNotes:          notes,
		ClientRequestID:     clientRequestID,
		CreatedAt:           time.Now().UTC(),
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		// Undo the reservation; the order never existed.
		if relErr := e.listings.Release(ctx, listingID, qty); relErr != nil {
			slog.Error("reservation rollback failed", "listing", listingID, "err", relErr)
		}
		return nil, err
	}

	metrics.OrdersCreatedTotal.Inc()
	slog.Info("order created",
		"id", o.ID,
		"listing", listingID,
		"buyer", buyerID,
		"seller", o.SellerID,
		"quantity", qty,
		"total", total.String(),
	)
	e.events.Publish(events.Event{
		Subject:   events.SubjectOrderCreated,
		OrderID:   o.ID,
		ListingID: listingID,
		UserID:    buyerID,
		Amount:    total.String(),
	})
	return o, nil
}

// Get returns an order visible to the given actor (buyer or seller).
func (e *Engine) Get(ctx context.Context, orderID, actorID string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != actorID && o.SellerID != actorID {
		return nil, apperr.E(apperr.KindForbidden, "order %s is not yours", orderID)
	}
	return o, nil
}

// ListForUser returns the actor's orders, newest first.
func (e *Engine) ListForUser(ctx context.Context, actorID string) ([]model.Order, error) {
	return e.store.ListOrdersByUser(ctx, actorID)
}

// Confirm accepts a pending order. Only the seller may confirm. The buyer's
// funds are debited into escrow here, and the trade session is opened.
// Confirming an already-confirmed order is a no-op returning current state.
func (e *Engine) Confirm(ctx context.Context, orderID, actorID, sellerNotes string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != actorID {
		return nil, apperr.E(apperr.KindForbidden, "only the seller may confirm order %s", orderID)
	}

	switch o.Status {
	case model.OrderConfirmed:
		return o, nil // idempotent
	case model.OrderPending:
		// proceed
	default:
		return nil, apperr.E(apperr.KindInvalidStateTransition,
			"order %s is %s, cannot confirm", orderID, o.Status)
	}

	// Escrow hold. An underfunded buyer leaves the order Pending.
	charge := o.ChargePoints()
	if _, err := e.ledger.Debit(ctx, o.BuyerID, charge,
		model.TxnEscrowHold, orderID, "escrow hold"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	swapped, err := e.store.TransitionOrder(ctx, orderID, model.OrderPending, model.OrderConfirmed, now)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Lost a confirm/cancel race after charging: give the hold back
		// and report whatever the order became.
		if _, refErr := e.ledger.Credit(ctx, o.BuyerID, charge,
			model.TxnRefund, orderID, "duplicate escrow hold"); refErr != nil {
			slog.Error("escrow hold rollback failed", "order", orderID, "err", refErr)
		}
		current, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == model.OrderConfirmed {
			return current, nil
		}
		return nil, apperr.E(apperr.KindInvalidStateTransition,
			"order %s is %s, cannot confirm", orderID, current.Status)
	}

	if sellerNotes != "" {
		if err := e.store.SetOrderSellerNotes(ctx, orderID, sellerNotes); err != nil {
			slog.Warn("seller notes not saved", "order", orderID, "err", err)
		}
	}

	sess := &model.TradeSession{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Status:    model.SessionAwaitingSellerTransfer,
		CreatedAt: now,
	}
	if err := e.store.CreateTradeSession(ctx, sess); err != nil && !apperr.Is(err, apperr.KindConflict) {
		return nil, err
	}

	slog.Info("order confirmed",
		"id", orderID,
		"seller", actorID,
		"charge", charge,
	)
	e.events.Publish(events.Event{
		Subject:   events.SubjectOrderConfirmed,
		OrderID:   orderID,
		ListingID: o.ListingID,
		UserID:    actorID,
	})
	return e.store.GetOrder(ctx, orderID)
}

// Cancel cancels a pending or confirmed order. Callable by buyer or seller.
// The listing reservation is released, and if the buyer had already been
// charged, the hold is refunded. Cancel holds the settlement lock for the
// order and refuses once settlement has been triggered, so the refund can
// never race a payout.
func (e *Engine) Cancel(ctx context.Context, orderID, actorID, reason string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != actorID && o.SellerID != actorID {
		return nil, apperr.E(apperr.KindForbidden, "order %s is not yours", orderID)
	}

	unlock := e.settlement.LockOrder(orderID)
	defer unlock()

	// Re-read under the lock; the pre-lock snapshot may be stale.
	o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.IsTerminal() {
		return nil, apperr.E(apperr.KindInvalidStateTransition,
			"order %s is %s, cannot cancel", orderID, o.Status)
	}
	if intent, err := e.store.GetSettlementIntent(ctx, orderID); err == nil && !intent.Done {
		return nil, apperr.E(apperr.KindConflict,
			"order %s is being settled, cannot cancel", orderID)
	} else if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	from := o.Status
	now := time.Now().UTC()
	swapped, err := e.store.TransitionOrder(ctx, orderID, from, model.OrderCancelled, now)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, apperr.E(apperr.KindConflict,
			"order %s changed state during cancel, retry", orderID)
	}

	if err := e.listings.Release(ctx, o.ListingID, o.Quantity); err != nil {
		slog.Error("reservation release failed", "order", orderID, "err", err)
	}

	// The buyer is charged at confirmation, so a confirmed order holds funds.
	if from == model.OrderConfirmed {
		if _, err := e.ledger.Credit(ctx, o.BuyerID, o.ChargePoints(),
			model.TxnRefund, orderID, "order cancelled"); err != nil {
			return nil, err
		}
	}

	if reason != "" {
		if err := e.store.SetOrderCancelReason(ctx, orderID, reason); err != nil {
			slog.Warn("cancel reason not saved", "order", orderID, "err", err)
		}
	}

	metrics.OrdersCancelledTotal.WithLabelValues(from).Inc()
	slog.Info("order cancelled",
		"id", orderID,
		"actor", actorID,
		"from_status", from,
		"reason", reason,
	)
	e.events.Publish(events.Event{
		Subject:   events.SubjectOrderCancelled,
		OrderID:   orderID,
		ListingID: o.ListingID,
		UserID:    actorID,
	})
	return e.store.GetOrder(ctx, orderID)
}
