// Package escrow runs the per-order confirmation protocol between seller and
// buyer that gates final settlement. Each confirmation is idempotent; when
// the second one lands, a durable settlement intent is written and the
// session completes. Settlement is idempotent per order, so racing
// confirmations and recovery replays still pay out exactly once.
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/metrics"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/settle"
	"github.com/pmx/trade-engine/internal/store"
)

// Service implements trade-session operations.
type Service struct {
	store      store.Store
	settlement *settle.Coordinator
	timeout    time.Duration // how long a lone confirmation waits before dispute
}

// NewService creates an escrow service. timeout is the dispute window: a
// session with one confirmation older than this is moved to Disputed by the
// sweep and excluded from automatic settlement.
func NewService(st store.Store, settlement *settle.Coordinator, timeout time.Duration) *Service {
	return &Service{
		store:      st,
		settlement: settlement,
		timeout:    timeout,
	}
}

// Get returns a session visible to the order's buyer or seller.
func (s *Service) Get(ctx context.Context, sessionID, actorID string) (*model.TradeSession, error) {
	sess, _, err := s.load(ctx, sessionID, actorID)
	return sess, err
}

// GetByOrder returns the session for an order, for the order's parties only.
func (s *Service) GetByOrder(ctx context.Context, orderID, actorID string) (*model.TradeSession, error) {
	sess, err := s.store.GetTradeSessionByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, sess.ID, actorID)
}

// load fetches the session plus its order and checks the actor is a party.
func (s *Service) load(ctx context.Context, sessionID, actorID string) (*model.TradeSession, *model.Order, error) {
	sess, err := s.store.GetTradeSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	order, err := s.store.GetOrder(ctx, sess.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if order.BuyerID != actorID && order.SellerID != actorID {
		return nil, nil, apperr.E(apperr.KindForbidden, "session %s is not yours", sessionID)
	}
	return sess, order, nil
}

// ConfirmSellerTransferred records the seller's hand-off confirmation.
// Seller-only; idempotent when the flag is already set.
func (s *Service) ConfirmSellerTransferred(ctx context.Context, sessionID, actorID, notes string) (*model.TradeSession, error) {
	sess, order, err := s.load(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != actorID {
		return nil, apperr.E(apperr.KindForbidden,
			"only the seller may confirm transfer on session %s", sessionID)
	}
	if err := s.confirmable(sess, order); err != nil {
		return nil, err
	}

	set, err := s.store.MarkSellerTransferred(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if set {
		slog.Info("seller transfer confirmed", "session", sessionID, "order", order.ID)
		s.note(ctx, sess.ID, model.RoleSeller, actorID, notes)
	}

	return s.maybeSettle(ctx, sessionID, order.ID)
}

// ConfirmBuyerReceived records the buyer's receipt confirmation.
// Buyer-only; idempotent when the flag is already set.
func (s *Service) ConfirmBuyerReceived(ctx context.Context, sessionID, actorID, notes string) (*model.TradeSession, error) {
	sess, order, err := s.load(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != actorID {
		return nil, apperr.E(apperr.KindForbidden,
			"only the buyer may confirm receipt on session %s", sessionID)
	}
	if err := s.confirmable(sess, order); err != nil {
		return nil, err
	}

	set, err := s.store.MarkBuyerReceived(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if set {
		slog.Info("buyer receipt confirmed", "session", sessionID, "order", order.ID)
		s.note(ctx, sess.ID, model.RoleBuyer, actorID, notes)
	}

	return s.maybeSettle(ctx, sessionID, order.ID)
}

// confirmable rejects confirmations on sessions that can no longer settle.
func (s *Service) confirmable(sess *model.TradeSession, order *model.Order) error {
	if sess.Status == model.SessionDisputed {
		return apperr.E(apperr.KindInvalidStateTransition,
			"session %s is disputed, resolution is manual", sess.ID)
	}
	// A completed session's order is Completed too; a cancelled order makes
	// further confirmation meaningless.
	if order.Status != model.OrderConfirmed && order.Status != model.OrderCompleted {
		return apperr.E(apperr.KindInvalidStateTransition,
			"order %s is %s, cannot confirm trade", order.ID, order.Status)
	}
	return nil
}

// maybeSettle completes the session and settles the order once both
// confirmations are present. The settlement intent is written before the
// session flips: if anything after the flip fails, the recovery sweep still
// has a durable record to replay, so a triggered settlement always lands.
// Settle itself deduplicates, so racing confirmations may both call it.
func (s *Service) maybeSettle(ctx context.Context, sessionID, orderID string) (*model.TradeSession, error) {
	sess, err := s.store.GetTradeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.SellerTransferredAt == nil || sess.BuyerReceivedAt == nil {
		return sess, nil
	}

	if err := s.store.CreateSettlementIntent(ctx, orderID, time.Now().UTC()); err != nil {
		return nil, err
	}
	if _, err := s.store.CompleteTradeSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := s.settlement.Settle(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.GetTradeSession(ctx, sessionID)
}

// note appends a confirmation note to the session's message log.
func (s *Service) note(ctx context.Context, sessionID, role, userID, text string) {
	if text == "" {
		return
	}
	m := &model.TradeMessage{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		SenderRole:   role,
		SenderUserID: userID,
		Text:         text,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.AppendTradeMessage(ctx, m); err != nil {
		slog.Warn("confirmation note not saved", "session", sessionID, "err", err)
	}
}

// PostMessage appends a message from one of the order's parties.
func (s *Service) PostMessage(ctx context.Context, sessionID, actorID, text, attachment string) (*model.TradeMessage, error) {
	if text == "" {
		return nil, apperr.E(apperr.KindValidation, "message text is required")
	}
	_, order, err := s.load(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}

	role := model.RoleBuyer
	if actorID == order.SellerID {
		role = model.RoleSeller
	}

	m := &model.TradeMessage{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		SenderRole:   role,
		SenderUserID: actorID,
		Text:         text,
		Attachment:   attachment,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.AppendTradeMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Messages returns the session's message log, marking the counterparty's
// messages as read by the caller.
func (s *Service) Messages(ctx context.Context, sessionID, actorID string) ([]model.TradeMessage, error) {
	if _, _, err := s.load(ctx, sessionID, actorID); err != nil {
		return nil, err
	}
	return s.store.ListTradeMessages(ctx, sessionID, actorID)
}

// SweepDisputes moves half-confirmed sessions older than the dispute window
// to Disputed. Invoked periodically; each run is idempotent.
func (s *Service) SweepDisputes(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListStaleSessions(ctx, now.Add(-s.timeout))
	if err != nil {
		return 0, err
	}

	disputed := 0
	for _, sess := range stale {
		moved, err := s.store.MarkSessionDisputed(ctx, sess.ID)
		if err != nil {
			slog.Error("dispute transition failed", "session", sess.ID, "err", err)
			continue
		}
		if moved {
			metrics.SessionsDisputedTotal.Inc()
			slog.Warn("trade session disputed",
				"session", sess.ID,
				"order", sess.OrderID,
			)
			disputed++
		}
	}
	return disputed, nil
}
