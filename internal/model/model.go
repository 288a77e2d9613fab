// Package model defines the core domain types shared across the trading engine.
// Listing prices and order amounts use shopspring/decimal — never float64 for
// money. Wallet balances are whole points (int64); decimal amounts are rounded
// to points at the wallet boundary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing lifecycle states.
const (
	ListingActive  = "active"
	ListingSoldOut = "sold_out"
	ListingExpired = "expired"
	ListingRemoved = "removed"
)

// Order lifecycle states.
const (
	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderCompleted = "completed"
	OrderCancelled = "cancelled"
)

// Trade session states.
const (
	SessionAwaitingSellerTransfer = "awaiting_seller_transfer"
	SessionAwaitingBuyerReceipt   = "awaiting_buyer_receipt"
	SessionCompleted              = "completed"
	SessionDisputed               = "disputed"
)

// Wallet transaction types.
const (
	TxnEscrowHold      = "escrow_hold"
	TxnMarketSale      = "market_sale"
	TxnPlatformFee     = "platform_fee"
	TxnSaleReversal    = "sale_reversal"
	TxnRefund          = "refund"
	TxnAdminAdjustment = "admin_adjustment"
)

// Trade message sender roles.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Ranking period types.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// Ranking metrics.
const (
	MetricAmount = "amount"
	MetricVolume = "volume"
)

// PlatformAccountID is the reserved wallet account that collects platform
// fees, keeping the ledger zero-sum across an order's lifecycle.
const PlatformAccountID = "platform"

// Listing is a seller's standing offer to sell N units at a fixed price.
// availableQuantity = TotalQuantity - ReservedQuantity - SoldQuantity,
// never negative.
type Listing struct {
	ID               string          `json:"id" db:"id"`
	SellerID         string          `json:"seller_id" db:"seller_id"`
	Title            string          `json:"title" db:"title"`
	Description      string          `json:"description" db:"description"`
	UnitPrice        decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalQuantity    int64           `json:"total_quantity" db:"total_quantity"`
	ReservedQuantity int64           `json:"reserved_quantity" db:"reserved_quantity"`
	SoldQuantity     int64           `json:"sold_quantity" db:"sold_quantity"`
	Status           string          `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// AvailableQuantity returns how many units can still be reserved.
func (l *Listing) AvailableQuantity() int64 {
	return l.TotalQuantity - l.ReservedQuantity - l.SoldQuantity
}

// IsExpired reports whether the listing's expiry has passed at t.
func (l *Listing) IsExpired(t time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(t)
}

// Order is a buyer's claim against a listing. Seller and price are frozen
// at creation time; TotalAmount = Quantity * UnitPriceAtPurchase and is
// immutable once set. Completed and Cancelled are terminal.
type Order struct {
	ID                  string          `json:"id" db:"id"`
	ListingID           string          `json:"listing_id" db:"listing_id"`
	BuyerID             string          `json:"buyer_id" db:"buyer_id"`
	SellerID            string          `json:"seller_id" db:"seller_id"`
	Quantity            int64           `json:"quantity" db:"quantity"`
	UnitPriceAtPurchase decimal.Decimal `json:"unit_price_at_purchase" db:"unit_price_at_purchase"`
	TotalAmount         decimal.Decimal `json:"total_amount" db:"total_amount"`
	PlatformFeeRate     decimal.Decimal `json:"platform_fee_rate" db:"platform_fee_rate"`
	Status              string          `json:"status" db:"status"`
	BuyerNotes          string          `json:"buyer_notes,omitempty" db:"buyer_notes"`
	SellerNotes         string          `json:"seller_notes,omitempty" db:"seller_notes"`
	CancelReason        string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	ClientRequestID     string          `json:"client_request_id,omitempty" db:"client_request_id"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	ConfirmedAt         *time.Time      `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// ChargePoints is the whole-point amount held from the buyer for this order.
func (o *Order) ChargePoints() int64 {
	return o.TotalAmount.Round(0).IntPart()
}

// PlatformFeePoints is the whole-point platform fee, computed from the rate
// frozen at order creation.
func (o *Order) PlatformFeePoints() int64 {
	return o.TotalAmount.Mul(o.PlatformFeeRate).Round(0).IntPart()
}

// IsTerminal reports whether the order can never transition again.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderCompleted || o.Status == OrderCancelled
}

// orderTransitions is the complete set of legal order state transitions.
var orderTransitions = map[string]map[string]bool{
	OrderPending:   {OrderConfirmed: true, OrderCancelled: true},
	OrderConfirmed: {OrderCompleted: true, OrderCancelled: true},
}

// CanTransition reports whether from → to is a legal order transition.
func CanTransition(from, to string) bool {
	return orderTransitions[from][to]
}

// TradeSession is the per-order escrow confirmation protocol between buyer
// and seller. Status is Completed iff both confirmation timestamps are set.
// Sessions are never deleted; they are kept for audit.
type TradeSession struct {
	ID                  string     `json:"id" db:"id"`
	OrderID             string     `json:"order_id" db:"order_id"`
	Status              string     `json:"status" db:"status"`
	SellerTransferredAt *time.Time `json:"seller_transferred_at,omitempty" db:"seller_transferred_at"`
	BuyerReceivedAt     *time.Time `json:"buyer_received_at,omitempty" db:"buyer_received_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// TradeMessage is an immutable communication record scoped to a session.
type TradeMessage struct {
	ID           string     `json:"id" db:"id"`
	SessionID    string     `json:"session_id" db:"session_id"`
	SenderRole   string     `json:"sender_role" db:"sender_role"`
	SenderUserID string     `json:"sender_user_id" db:"sender_user_id"`
	Text         string     `json:"text" db:"text"`
	Attachment   string     `json:"attachment,omitempty" db:"attachment"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ReadAt       *time.Time `json:"read_at,omitempty" db:"read_at"`
}

// WalletAccount is the cached balance projection for one user. Balance is
// strictly derived from the transaction log and must equal the running sum
// of that user's deltas; it is never negative.
type WalletAccount struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WalletTransaction is an immutable ledger entry. Once created, these are
// never modified or deleted; the ledger is the source of truth.
type WalletTransaction struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Delta          int64     `json:"delta" db:"delta"`
	BalanceAfter   int64     `json:"balance_after" db:"balance_after"`
	Type           string    `json:"type" db:"type"`
	RelatedOrderID string    `json:"related_order_id,omitempty" db:"related_order_id"`
	Note           string    `json:"note,omitempty" db:"note"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SettlementIntent is the durable write-ahead record for a settlement.
// It is created before any wallet mutation and marked done only after the
// whole settlement sequence commits, so a crash mid-settlement leaves a
// pending intent for the recovery sweep to replay.
type SettlementIntent struct {
	OrderID   string     `json:"order_id" db:"order_id"`
	Done      bool       `json:"done" db:"done"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// RankingSnapshot is one leaderboard row, fully derived from completed
// orders and replaced wholesale on every recompute.
type RankingSnapshot struct {
	PeriodType string          `json:"period_type" db:"period_type"`
	PeriodDate time.Time       `json:"period_date" db:"period_date"`
	ListingID  string          `json:"listing_id" db:"listing_id"`
	Metric     string          `json:"metric" db:"metric"`
	Rank       int             `json:"rank" db:"rank"`
	Value      decimal.Decimal `json:"value" db:"value"`
}
