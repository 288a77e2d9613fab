// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Operations that guard an invariant (quantity reservation, wallet balance,
// state transitions) are atomic within a single implementation call, so the
// engine never has to hold a lock across store round-trips.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/model"
)

// ListingFilter narrows ListListings results. Zero values mean "no filter".
type ListingFilter struct {
	SellerID string
	Status   string
	Query    string // substring match on title
	Limit    int
	Offset   int
}

// TxnFilter narrows wallet history queries.
type TxnFilter struct {
	Type   string
	Limit  int
	Offset int
}

// ListingPatch carries the seller-editable listing fields. Nil means
// "leave unchanged".
type ListingPatch struct {
	Title       *string
	Description *string
	UnitPrice   *decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Listings ---

	// CreateListing persists a new listing.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns listings matching the filter, newest first.
	ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error)

	// UpdateListingDetails applies seller edits to title/description/price.
	UpdateListingDetails(ctx context.Context, id string, patch ListingPatch) error

	// SetListingStatus updates the lifecycle status.
	SetListingStatus(ctx context.Context, id, status string) error

	// ReserveListingQuantity atomically reserves qty units. Fails with
	// InsufficientQuantity rather than overcommitting
	// reserved + sold beyond total.
	ReserveListingQuantity(ctx context.Context, id string, qty int64) error

	// ReleaseListingQuantity returns qty reserved units to availability.
	ReleaseListingQuantity(ctx context.Context, id string, qty int64) error

	// CommitListingSale converts qty reserved units into sold units.
	CommitListingSale(ctx context.Context, id string, qty int64) error

	// --- Orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrderByClientRequestID finds the buyer's prior order for a logical
	// request id, for client-retry deduplication.
	GetOrderByClientRequestID(ctx context.Context, buyerID, requestID string) (*model.Order, error)

	// ListOrdersByListing returns orders against a listing, optionally
	// restricted to the given statuses.
	ListOrdersByListing(ctx context.Context, listingID string, statuses []string) ([]model.Order, error)

	// ListOrdersByUser returns orders where the user is buyer or seller.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// ListCompletedOrders returns orders completed within [from, to).
	ListCompletedOrders(ctx context.Context, from, to time.Time) ([]model.Order, error)

	// TransitionOrder compare-and-sets status from → to, stamping the
	// transition time. Returns false (no error) when the current status
	// is not `from`; the caller decides whether that is idempotent
	// success or an illegal transition.
	TransitionOrder(ctx context.Context, id, from, to string, at time.Time) (bool, error)

	// CompleteOrderAndCommitSale atomically moves a confirmed order to
	// Completed and converts its listing reservation into sold units,
	// both or neither. Returns false when the order is not Confirmed
	// (already settled, or cancelled underfoot).
	CompleteOrderAndCommitSale(ctx context.Context, orderID string, at time.Time) (bool, error)

	// SetOrderSellerNotes records the seller's note at confirmation.
	SetOrderSellerNotes(ctx context.Context, id, notes string) error

	// SetOrderCancelReason records why an order was cancelled.
	SetOrderCancelReason(ctx context.Context, id, reason string) error

	// --- Trade sessions ---

	// CreateTradeSession persists the escrow session for a confirmed order.
	CreateTradeSession(ctx context.Context, s *model.TradeSession) error

	// GetTradeSession retrieves a session by ID.
	GetTradeSession(ctx context.Context, id string) (*model.TradeSession, error)

	// GetTradeSessionByOrder retrieves the session for an order.
	GetTradeSessionByOrder(ctx context.Context, orderID string) (*model.TradeSession, error)

	// MarkSellerTransferred sets the seller confirmation timestamp if unset.
	// Returns false when it was already set (idempotent no-op).
	MarkSellerTransferred(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkBuyerReceived sets the buyer confirmation timestamp if unset.
	MarkBuyerReceived(ctx context.Context, id string, at time.Time) (bool, error)

	// CompleteTradeSession compare-and-sets the session to Completed once
	// both confirmations are present. Exactly one concurrent caller
	// observes true; everyone else gets false.
	CompleteTradeSession(ctx context.Context, id string) (bool, error)

	// MarkSessionDisputed moves a non-terminal session to Disputed.
	MarkSessionDisputed(ctx context.Context, id string) (bool, error)

	// ListStaleSessions returns sessions with exactly one confirmation,
	// where that confirmation landed before the cutoff.
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]model.TradeSession, error)

	// --- Trade messages ---

	// AppendTradeMessage appends an immutable message to a session.
	AppendTradeMessage(ctx context.Context, m *model.TradeMessage) error

	// ListTradeMessages returns a session's messages in order, marking
	// messages from the counterparty as read by readerID.
	ListTradeMessages(ctx context.Context, sessionID, readerID string) ([]model.TradeMessage, error)

	// --- Wallet ---

	// GetWalletAccount returns the cached balance projection. Users with
	// no transactions get a zero-balance account.
	GetWalletAccount(ctx context.Context, userID string) (*model.WalletAccount, error)

	// ApplyWalletTransaction atomically appends the ledger entry and
	// updates the cached balance, filling in txn.BalanceAfter. Fails with
	// InsufficientBalance if the delta would take the balance negative.
	ApplyWalletTransaction(ctx context.Context, txn *model.WalletTransaction) error

	// ListWalletTransactions returns a user's ledger entries, newest first.
	ListWalletTransactions(ctx context.Context, userID string, f TxnFilter) ([]model.WalletTransaction, error)

	// --- Settlement intents ---

	// CreateSettlementIntent durably records intent to settle an order.
	// Idempotent: re-creating an existing intent is a no-op.
	CreateSettlementIntent(ctx context.Context, orderID string, at time.Time) error

	// GetSettlementIntent returns the intent for an order, or NotFound.
	GetSettlementIntent(ctx context.Context, orderID string) (*model.SettlementIntent, error)

	// MarkSettlementDone closes the intent after settlement commits.
	MarkSettlementDone(ctx context.Context, orderID string, at time.Time) error

	// ListPendingSettlementIntents returns intents not yet marked done,
	// oldest first, for the recovery sweep.
	ListPendingSettlementIntents(ctx context.Context) ([]model.SettlementIntent, error)

	// --- Ranking snapshots ---

	// ReplaceRankingSnapshots wholesale-replaces the snapshot rows for one
	// (periodType, periodDate) key.
	ReplaceRankingSnapshots(ctx context.Context, periodType string, periodDate time.Time, rows []model.RankingSnapshot) error

	// ListRankingSnapshots returns snapshot rows for a period and metric,
	// rank ascending.
	ListRankingSnapshots(ctx context.Context, periodType string, periodDate time.Time, metric string) ([]model.RankingSnapshot, error)
}
