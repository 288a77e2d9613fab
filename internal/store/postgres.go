package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// wallet balances are BIGINT points. Invariant guards (quantity, balance,
// state transitions) ride on conditional UPDATEs so concurrent requests
// serialize at the row level.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const listingCols = `id, seller_id, title, description,
	unit_price::TEXT, total_quantity, reserved_quantity, sold_quantity,
	status, created_at, expires_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price string
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.Description,
		&price, &l.TotalQuantity, &l.ReservedQuantity, &l.SoldQuantity,
		&l.Status, &l.CreatedAt, &l.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("scan listing %s unit price: %w", l.ID, err)
	}
	return &l, nil
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, seller_id, title, description, unit_price,
		                       total_quantity, reserved_quantity, sold_quantity,
		                       status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.SellerID, l.Title, l.Description, l.UnitPrice.String(),
		l.TotalQuantity, l.ReservedQuantity, l.SoldQuantity,
		l.Status, l.CreatedAt, l.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create listing %s: %w", l.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Query != "" {
		add("title ILIKE $%d", "%"+f.Query+"%")
	}
	q := `SELECT ` + listingCols + ` FROM listings`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListingDetails(ctx context.Context, id string, patch ListingPatch) error {
	var sets []string
	var args []any
	args = append(args, id)
	set := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.UnitPrice != nil {
		set("unit_price", patch.UnitPrice.String())
	}
	if len(sets) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	return nil
}

func (s *PostgresStore) SetListingStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set listing %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.KindNotFound, "listing %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ReserveListingQuantity(ctx context.Context, id string, qty int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity + $2
		 WHERE id = $1
		   AND total_quantity - reserved_quantity - sold_quantity >= $2`,
		id, qty)
	if err != nil {
		return fmt.Errorf("reserve %d on listing %s: %w", qty, id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetListing(ctx, id); err != nil {
			return err
		}
		return apperr.E(apperr.KindInsufficientQuantity,
			"listing %s cannot reserve %d units", id, qty)
	}
	return nil
}

func (s *PostgresStore) ReleaseListingQuantity(ctx context.Context, id string, qty int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity - $2
		 WHERE id = $1 AND reserved_quantity >= $2`,
		id, qty)
	if err != nil {
		return fmt.Errorf("release %d on listing %s: %w", qty, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.KindConflict, "listing %s cannot release %d units", id, qty)
	}
	return nil
}

func (s *PostgresStore) CommitListingSale(ctx context.Context, id string, qty int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity - $2,
		     sold_quantity = sold_quantity + $2,
		     status = CASE
		       WHEN status = 'active'
		        AND total_quantity - (reserved_quantity - $2) - (sold_quantity + $2) = 0
		       THEN 'sold_out' ELSE status END
		 WHERE id = $1 AND reserved_quantity >= $2`,
		id, qty)
	if err != nil {
		return fmt.Errorf("commit sale of %d on listing %s: %w", qty, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.KindConflict, "listing %s cannot commit %d units", id, qty)
	}
	return nil
}

// --- Orders ---

const orderCols = `id, listing_id, buyer_id, seller_id, quantity,
	unit_price_at_purchase::TEXT, total_amount::TEXT, platform_fee_rate::TEXT,
	status, buyer_notes, seller_notes, cancel_reason, client_request_id,
	created_at, confirmed_at, completed_at, cancelled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, total, feeRate string
	err := row.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Quantity,
		&price, &total, &feeRate,
		&o.Status, &o.BuyerNotes, &o.SellerNotes, &o.CancelReason, &o.ClientRequestID,
		&o.CreatedAt, &o.ConfirmedAt, &o.CompletedAt, &o.CancelledAt)
	if err != nil {
		return nil, err
	}
	if o.UnitPriceAtPurchase, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("scan order %s unit price: %w", o.ID, err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("scan order %s total: %w", o.ID, err)
	}
	if o.PlatformFeeRate, err = decimal.NewFromString(feeRate); err != nil {
		return nil, fmt.Errorf("scan order %s fee rate: %w", o.ID, err)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, listing_id, buyer_id, seller_id, quantity,
		                     unit_price_at_purchase, total_amount, platform_fee_rate,
		                     status, buyer_notes, seller_notes, cancel_reason,
		                     client_request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11, $12, $13, $14)`,
		o.ID, o.ListingID, o.BuyerID, o.SellerID, o.Quantity,
		o.UnitPriceAtPurchase.String(), o.TotalAmount.String(), o.PlatformFeeRate.String(),
		o.Status, o.BuyerNotes, o.SellerNotes, o.CancelReason,
		o.ClientRequestID, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderByClientRequestID(ctx context.Context, buyerID, requestID string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE buyer_id = $1 AND client_request_id = $2
		 ORDER BY created_at LIMIT 1`, buyerID, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "no order for request %s", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order by request %s: %w", requestID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByListing(ctx context.Context, listingID string, statuses []string) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE listing_id = $1`
	args := []any{listingID}
	if len(statuses) > 0 {
		args = append(args, statuses)
		q += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	q += " ORDER BY created_at"
	return s.queryOrders(ctx, q, args...)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) ListCompletedOrders(ctx context.Context, from, to time.Time) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE status = 'completed' AND completed_at >= $1 AND completed_at < $2
		 ORDER BY completed_at`, from, to)
}

func (s *PostgresStore) queryOrders(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) TransitionOrder(ctx context.Context, id, from, to string, at time.Time) (bool, error) {
	var stampCol string
	switch to {
	case model.OrderConfirmed:
		stampCol = "confirmed_at"
	case model.OrderCompleted:
		stampCol = "completed_at"
	case model.OrderCancelled:
		stampCol = "cancelled_at"
	default:
		return false, apperr.E(apperr.KindValidation, "unknown order status %q", to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $3, `+stampCol+` = $4
		 WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		return false, fmt.Errorf("transition order %s %s→%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CompleteOrderAndCommitSale runs the order transition and the listing
// quantity conversion in one database transaction so a crash can never leave
// a completed order with an uncommitted reservation.
func (s *PostgresStore) CompleteOrderAndCommitSale(ctx context.Context, orderID string, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin settlement commit: %w", err)
	}
	defer tx.Rollback(ctx)

	var listingID string
	var quantity int64
	err = tx.QueryRow(ctx,
		`UPDATE orders SET status = 'completed', completed_at = $2
		 WHERE id = $1 AND status = 'confirmed'
		 RETURNING listing_id, quantity`,
		orderID, at).Scan(&listingID, &quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete order %s: %w", orderID, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE listings
		 SET reserved_quantity = reserved_quantity - $2,
		     sold_quantity = sold_quantity + $2,
		     status = CASE
		       WHEN status = 'active'
		        AND total_quantity - (reserved_quantity - $2) - (sold_quantity + $2) = 0
		       THEN 'sold_out' ELSE status END
		 WHERE id = $1 AND reserved_quantity >= $2`,
		listingID, quantity)
	if err != nil {
		return false, fmt.Errorf("commit sale for order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, apperr.E(apperr.KindConflict,
			"listing %s reservation does not cover order %s", listingID, orderID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit settlement for order %s: %w", orderID, err)
	}
	return true, nil
}

func (s *PostgresStore) SetOrderSellerNotes(ctx context.Context, id, notes string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET seller_notes = $2 WHERE id = $1`, id, notes)
	return err
}

func (s *PostgresStore) SetOrderCancelReason(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET cancel_reason = $2 WHERE id = $1`, id, reason)
	return err
}

// --- Trade sessions ---

const sessionCols = `id, order_id, status, seller_transferred_at, buyer_received_at, created_at`

func scanSession(row pgx.Row) (*model.TradeSession, error) {
	var sess model.TradeSession
	err := row.Scan(&sess.ID, &sess.OrderID, &sess.Status,
		&sess.SellerTransferredAt, &sess.BuyerReceivedAt, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) CreateTradeSession(ctx context.Context, sess *model.TradeSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_sessions (id, order_id, status, created_at)
		 VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.OrderID, sess.Status, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create trade session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTradeSession(ctx context.Context, id string) (*model.TradeSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM trade_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "trade session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) GetTradeSessionByOrder(ctx context.Context, orderID string) (*model.TradeSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM trade_sessions WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "no trade session for order %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade session for order %s: %w", orderID, err)
	}
	return sess, nil
}

func (s *PostgresStore) MarkSellerTransferred(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_sessions
		 SET seller_transferred_at = $2,
		     status = CASE WHEN buyer_received_at IS NULL
		                   THEN 'awaiting_buyer_receipt' ELSE status END
		 WHERE id = $1 AND seller_transferred_at IS NULL
		   AND status NOT IN ('completed', 'disputed')`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("mark seller transferred on %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkBuyerReceived(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_sessions
		 SET buyer_received_at = $2
		 WHERE id = $1 AND buyer_received_at IS NULL
		   AND status NOT IN ('completed', 'disputed')`,
		id, at)
	if err != nil {
		return false, fmt.Errorf("mark buyer received on %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteTradeSession(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_sessions SET status = 'completed'
		 WHERE id = $1 AND status NOT IN ('completed', 'disputed')
		   AND seller_transferred_at IS NOT NULL
		   AND buyer_received_at IS NOT NULL`,
		id)
	if err != nil {
		return false, fmt.Errorf("complete trade session %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkSessionDisputed(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_sessions SET status = 'disputed'
		 WHERE id = $1 AND status NOT IN ('completed', 'disputed')`,
		id)
	if err != nil {
		return false, fmt.Errorf("mark session %s disputed: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]model.TradeSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM trade_sessions
		 WHERE status NOT IN ('completed', 'disputed')
		   AND ((seller_transferred_at IS NOT NULL AND buyer_received_at IS NULL
		         AND seller_transferred_at < $1)
		     OR (buyer_received_at IS NOT NULL AND seller_transferred_at IS NULL
		         AND buyer_received_at < $1))`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.TradeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// --- Trade messages ---

func (s *PostgresStore) AppendTradeMessage(ctx context.Context, m *model.TradeMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_messages (id, session_id, sender_role, sender_user_id,
		                             text, attachment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.SenderRole, m.SenderUserID,
		m.Text, m.Attachment, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message to session %s: %w", m.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) ListTradeMessages(ctx context.Context, sessionID, readerID string) ([]model.TradeMessage, error) {
	if readerID != "" {
		_, err := s.pool.Exec(ctx,
			`UPDATE trade_messages SET read_at = NOW()
			 WHERE session_id = $1 AND sender_user_id <> $2 AND read_at IS NULL`,
			sessionID, readerID)
		if err != nil {
			return nil, fmt.Errorf("mark messages read in %s: %w", sessionID, err)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sender_role, sender_user_id, text, attachment,
		        created_at, read_at
		 FROM trade_messages WHERE session_id = $1 ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.TradeMessage
	for rows.Next() {
		var m model.TradeMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderRole, &m.SenderUserID,
			&m.Text, &m.Attachment, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Wallet ---

func (s *PostgresStore) GetWalletAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	var acct model.WalletAccount
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, updated_at FROM wallet_accounts WHERE user_id = $1`,
		userID).Scan(&acct.UserID, &acct.Balance, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.WalletAccount{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return &acct, nil
}

// ApplyWalletTransaction locks the account row, checks the balance guard,
// and writes the ledger entry plus the cached balance in one transaction.
func (s *PostgresStore) ApplyWalletTransaction(ctx context.Context, txn *model.WalletTransaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin wallet txn: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_accounts (user_id, balance, updated_at)
		 VALUES ($1, 0, $2) ON CONFLICT (user_id) DO NOTHING`,
		txn.UserID, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("ensure wallet %s: %w", txn.UserID, err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM wallet_accounts WHERE user_id = $1 FOR UPDATE`,
		txn.UserID).Scan(&balance)
	if err != nil {
		return fmt.Errorf("lock wallet %s: %w", txn.UserID, err)
	}

	if balance+txn.Delta < 0 {
		return apperr.E(apperr.KindInsufficientBalance,
			"wallet %s balance %d, delta %d", txn.UserID, balance, txn.Delta)
	}
	txn.BalanceAfter = balance + txn.Delta

	_, err = tx.Exec(ctx,
		`UPDATE wallet_accounts SET balance = $2, updated_at = $3 WHERE user_id = $1`,
		txn.UserID, txn.BalanceAfter, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("update wallet %s: %w", txn.UserID, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, delta, balance_after, type,
		                                  related_order_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, txn.Delta, txn.BalanceAfter, txn.Type,
		txn.RelatedOrderID, txn.Note, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet txn %s: %w", txn.ID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, userID string, f TxnFilter) ([]model.WalletTransaction, error) {
	q := `SELECT id, user_id, delta, balance_after, type, related_order_id, note, created_at
	      FROM wallet_transactions WHERE user_id = $1`
	args := []any{userID}
	if f.Type != "" {
		args = append(args, f.Type)
		q += fmt.Sprintf(" AND type = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.BalanceAfter, &t.Type,
			&t.RelatedOrderID, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// --- Settlement intents ---

func (s *PostgresStore) CreateSettlementIntent(ctx context.Context, orderID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_intents (order_id, done, created_at)
		 VALUES ($1, FALSE, $2) ON CONFLICT (order_id) DO NOTHING`,
		orderID, at)
	if err != nil {
		return fmt.Errorf("create settlement intent %s: %w", orderID, err)
	}
	return nil
}

func (s *PostgresStore) GetSettlementIntent(ctx context.Context, orderID string) (*model.SettlementIntent, error) {
	var in model.SettlementIntent
	err := s.pool.QueryRow(ctx,
		`SELECT order_id, done, created_at, settled_at
		 FROM settlement_intents WHERE order_id = $1`, orderID).
		Scan(&in.OrderID, &in.Done, &in.CreatedAt, &in.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.KindNotFound, "settlement intent for order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement intent %s: %w", orderID, err)
	}
	return &in, nil
}

func (s *PostgresStore) MarkSettlementDone(ctx context.Context, orderID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_intents SET done = TRUE, settled_at = $2 WHERE order_id = $1`,
		orderID, at)
	if err != nil {
		return fmt.Errorf("mark settlement done %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.KindNotFound, "settlement intent for order %s not found", orderID)
	}
	return nil
}

func (s *PostgresStore) ListPendingSettlementIntents(ctx context.Context) ([]model.SettlementIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, done, created_at, settled_at
		 FROM settlement_intents WHERE NOT done ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []model.SettlementIntent
	for rows.Next() {
		var in model.SettlementIntent
		if err := rows.Scan(&in.OrderID, &in.Done, &in.CreatedAt, &in.SettledAt); err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// --- Ranking snapshots ---

func (s *PostgresStore) ReplaceRankingSnapshots(ctx context.Context, periodType string, periodDate time.Time, rowsIn []model.RankingSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot replace: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM ranking_snapshots WHERE period_type = $1 AND period_date = $2`,
		periodType, periodDate)
	if err != nil {
		return fmt.Errorf("clear snapshots %s/%s: %w", periodType, periodDate.Format("2006-01-02"), err)
	}

	for _, row := range rowsIn {
		_, err = tx.Exec(ctx,
			`INSERT INTO ranking_snapshots (period_type, period_date, listing_id, metric, rank, value)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC)`,
			row.PeriodType, row.PeriodDate, row.ListingID, row.Metric, row.Rank, row.Value.String())
		if err != nil {
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListRankingSnapshots(ctx context.Context, periodType string, periodDate time.Time, metric string) ([]model.RankingSnapshot, error) {
	q := `SELECT period_type, period_date, listing_id, metric, rank, value::TEXT
	      FROM ranking_snapshots WHERE period_type = $1 AND period_date = $2`
	args := []any{periodType, periodDate}
	if metric != "" {
		args = append(args, metric)
		q += fmt.Sprintf(" AND metric = $%d", len(args))
	}
	q += " ORDER BY rank"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.RankingSnapshot
	for rows.Next() {
		var r model.RankingSnapshot
		var value string
		if err := rows.Scan(&r.PeriodType, &r.PeriodDate, &r.ListingID, &r.Metric, &r.Rank, &value); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot %s value: %w", r.ListingID, err)
		}
		r.Value = v
		snaps = append(snaps, r)
	}
	return snaps, rows.Err()
}
