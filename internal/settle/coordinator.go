// Package settle releases escrowed funds when a trade completes: the platform
// fee is carved out of the buyer's held amount, the remainder is credited to
// the seller, the order is closed, and the listing reservation becomes a
// permanent sale.
//
// Partial settlement (seller paid but order still open) is the worst failure
// mode this component exists to prevent. Every settlement starts with a
// durable intent record; the credits are deduplicated by (user, order, type);
// the order transition and the sale commit happen in one store transaction;
// and a recovery sweep replays any intent left pending by a crash.
package settle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/events"
	"github.com/pmx/trade-engine/internal/metrics"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/store"
	"github.com/pmx/trade-engine/internal/wallet"
)

// Coordinator performs exactly-once settlement per order.
type Coordinator struct {
	store  store.Store
	ledger *wallet.Ledger
	events *events.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator creates a settlement coordinator. events may be nil.
func NewCoordinator(st store.Store, ledger *wallet.Ledger, ev *events.Publisher) *Coordinator {
	return &Coordinator{
		store:  st,
		ledger: ledger,
		events: ev,
		locks:  make(map[string]*sync.Mutex),
	}
}

// orderLock returns the order-scoped lock serializing settlement against
// concurrent recovery-sweep replays.
func (c *Coordinator) orderLock(orderID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk, ok := c.locks[orderID]
	if !ok {
		lk = &sync.Mutex{}
		c.locks[orderID] = lk
	}
	return lk
}

// LockOrder takes the settlement lock for an order and returns the unlock
// function. Order cancellation holds this lock so a cancel can never
// interleave with an in-flight payout.
func (c *Coordinator) LockOrder(orderID string) (unlock func()) {
	lk := c.orderLock(orderID)
	lk.Lock()
	return lk.Unlock
}

// Settle settles a confirmed order. Safe to call more than once: duplicate
// invocations (concurrent confirmations, recovery replays) produce exactly
// one seller payout and one platform fee.
func (c *Coordinator) Settle(ctx context.Context, orderID string) error {
	lk := c.orderLock(orderID)
	lk.Lock()
	defer lk.Unlock()

	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case model.OrderCompleted:
		// Already settled; make sure the intent is closed and stop.
		_ = c.store.MarkSettlementDone(ctx, orderID, time.Now().UTC())
		return nil
	case model.OrderCancelled:
		// Cancellation won the race. The cancel path refunded the buyer's
		// hold; claw back anything a crashed earlier attempt paid out.
		if err := c.reverseCredits(ctx, order); err != nil {
			return err
		}
		_ = c.store.MarkSettlementDone(ctx, orderID, time.Now().UTC())
		return nil
	case model.OrderConfirmed:
		// proceed
	default:
		return apperr.E(apperr.KindInvalidStateTransition,
			"order %s is %s, cannot settle", orderID, order.Status)
	}

	now := time.Now().UTC()

	// Durable intent before any wallet mutation.
	if err := c.store.CreateSettlementIntent(ctx, orderID, now); err != nil {
		return err
	}

	charge := order.ChargePoints()
	fee := order.PlatformFeePoints()
	sellerAmount := charge - fee

	// Seller payout, deduplicated for replay.
	paid, err := c.ledger.HasEntry(ctx, order.SellerID, orderID, model.TxnMarketSale)
	if err != nil {
		return err
	}
	if !paid && sellerAmount > 0 {
		if _, err := c.ledger.Credit(ctx, order.SellerID, sellerAmount,
			model.TxnMarketSale, orderID, "sale proceeds"); err != nil {
			return err
		}
	}

	// Platform fee, deduplicated the same way.
	if fee > 0 {
		collected, err := c.ledger.HasEntry(ctx, model.PlatformAccountID, orderID, model.TxnPlatformFee)
		if err != nil {
			return err
		}
		if !collected {
			if _, err := c.ledger.Credit(ctx, model.PlatformAccountID, fee,
				model.TxnPlatformFee, orderID, "platform fee"); err != nil {
				return err
			}
		}
	}

	// Close the order and convert the reservation, atomically.
	swapped, err := c.store.CompleteOrderAndCommitSale(ctx, orderID, now)
	if err != nil {
		return err
	}
	if !swapped {
		current, err := c.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status == model.OrderCancelled {
			// A cancel slipped in after the Confirmed read. The buyer was
			// refunded, so the credits above minted points; reverse them.
			if err := c.reverseCredits(ctx, current); err != nil {
				return err
			}
			_ = c.store.MarkSettlementDone(ctx, orderID, time.Now().UTC())
			slog.Warn("settlement reversed, order cancelled mid-flight", "order", orderID)
			return nil
		}
		// Someone else finished the transition; the credits above are
		// deduplicated, so there is nothing to undo.
		slog.Info("settlement already completed", "order", orderID)
	}

	// A recovery replay can land before the session flip fired; close the
	// session so the trade does not stay half-open after payout.
	if sess, err := c.store.GetTradeSessionByOrder(ctx, orderID); err == nil && sess.Status != model.SessionCompleted {
		if _, err := c.store.CompleteTradeSession(ctx, sess.ID); err != nil {
			slog.Warn("session close after settlement failed", "order", orderID, "err", err)
		}
	}

	if err := c.store.MarkSettlementDone(ctx, orderID, time.Now().UTC()); err != nil {
		return err
	}

	metrics.TradesSettledTotal.Inc()
	slog.Info("trade settled",
		"order", orderID,
		"seller", order.SellerID,
		"buyer", order.BuyerID,
		"charge", charge,
		"fee", fee,
		"seller_amount", sellerAmount,
	)
	c.events.Publish(events.Event{
		Subject:   events.SubjectTradeCompleted,
		OrderID:   orderID,
		ListingID: order.ListingID,
		UserID:    order.SellerID,
		Amount:    order.TotalAmount.String(),
	})
	return nil
}

// reverseCredits claws back the seller payout and platform fee for an order
// that ended up Cancelled after credits landed. Deduplicated by a reversal
// entry per account, so replays reverse at most once.
func (c *Coordinator) reverseCredits(ctx context.Context, order *model.Order) error {
	charge := order.ChargePoints()
	fee := order.PlatformFeePoints()

	if err := c.reverseCredit(ctx, order.SellerID, order.ID, model.TxnMarketSale, charge-fee); err != nil {
		return err
	}
	return c.reverseCredit(ctx, model.PlatformAccountID, order.ID, model.TxnPlatformFee, fee)
}

func (c *Coordinator) reverseCredit(ctx context.Context, userID, orderID, creditType string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	paid, err := c.ledger.HasEntry(ctx, userID, orderID, creditType)
	if err != nil {
		return err
	}
	if !paid {
		return nil
	}
	reversed, err := c.ledger.HasEntry(ctx, userID, orderID, model.TxnSaleReversal)
	if err != nil {
		return err
	}
	if reversed {
		return nil
	}
	if _, err := c.ledger.Debit(ctx, userID, amount, model.TxnSaleReversal, orderID, "order cancelled"); err != nil {
		return err
	}
	slog.Warn("settlement credit reversed",
		"order", orderID,
		"user", userID,
		"amount", amount,
	)
	return nil
}

// RecoverPending replays settlement intents left open by a crash. This is
// the only background self-healing behavior in the engine.
func (c *Coordinator) RecoverPending(ctx context.Context) (int, error) {
	intents, err := c.store.ListPendingSettlementIntents(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, intent := range intents {
		if err := c.Settle(ctx, intent.OrderID); err != nil {
			slog.Error("settlement replay failed", "order", intent.OrderID, "err", err)
			continue
		}
		metrics.SettlementReplaysTotal.Inc()
		replayed++
	}
	if replayed > 0 {
		slog.Info("settlement recovery sweep", "replayed", replayed)
	}
	return replayed, nil
}
