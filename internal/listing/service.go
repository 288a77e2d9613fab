// Package listing owns the listing lifecycle and available-quantity
// accounting. Reservation arithmetic is delegated to the store, which keeps
// reserved + sold ≤ total atomic with respect to concurrent orders.
package listing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/store"
)

// Service implements listing operations over the persistence layer.
type Service struct {
	store store.Store
}

// NewService creates a listing service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Create validates and persists a new listing owned by sellerID.
func (s *Service) Create(ctx context.Context, sellerID, title, description string, unitPrice decimal.Decimal, quantity int64, expiresAt *time.Time) (*model.Listing, error) {
	if sellerID == "" {
		return nil, apperr.E(apperr.KindValidation, "seller id is required")
	}
	if title == "" {
		return nil, apperr.E(apperr.KindValidation, "title is required")
	}
	if unitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.E(apperr.KindValidation, "unit price must be positive, got %s", unitPrice)
	}
	if quantity <= 0 {
		return nil, apperr.E(apperr.KindValidation, "quantity must be positive, got %d", quantity)
	}
	now := time.Now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, apperr.E(apperr.KindValidation, "expiry must be in the future")
	}

	l := &model.Listing{
		ID:            uuid.New().String(),
		SellerID:      sellerID,
		Title:         title,
		Description:   description,
		UnitPrice:     unitPrice,
		TotalQuantity: quantity,
		Status:        model.ListingActive,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, err
	}

	slog.Info("listing created",
		"id", l.ID,
		"seller", sellerID,
		"price", unitPrice.String(),
		"quantity", quantity,
	)
	return l, nil
}

// Get returns a listing, lazily flipping it to Expired when its expiry
// has passed.
func (s *Service) Get(ctx context.Context, id string) (*model.Listing, error) {
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == model.ListingActive && l.IsExpired(time.Now().UTC()) {
		if err := s.store.SetListingStatus(ctx, id, model.ListingExpired); err == nil {
			l.Status = model.ListingExpired
		}
	}
	return l, nil
}

// Search returns listings matching the filter.
func (s *Service) Search(ctx context.Context, f store.ListingFilter) ([]model.Listing, error) {
	return s.store.ListListings(ctx, f)
}

// Update applies seller edits. Only the owning seller may update, and only
// while the listing is not removed.
func (s *Service) Update(ctx context.Context, id, actorID string, patch store.ListingPatch) (*model.Listing, error) {
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerID != actorID {
		return nil, apperr.E(apperr.KindForbidden, "only the seller may update listing %s", id)
	}
	if l.Status == model.ListingRemoved {
		return nil, apperr.E(apperr.KindInvalidStateTransition, "listing %s is removed", id)
	}
	if patch.UnitPrice != nil && patch.UnitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.E(apperr.KindValidation, "unit price must be positive, got %s", patch.UnitPrice)
	}
	if patch.Title != nil && *patch.Title == "" {
		return nil, apperr.E(apperr.KindValidation, "title cannot be empty")
	}

	if err := s.store.UpdateListingDetails(ctx, id, patch); err != nil {
		return nil, err
	}
	return s.store.GetListing(ctx, id)
}

// Remove soft-deletes a listing. Rejected while Pending or Confirmed orders
// are still open against it.
func (s *Service) Remove(ctx context.Context, id, actorID string) error {
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		return err
	}
	if l.SellerID != actorID {
		return apperr.E(apperr.KindForbidden, "only the seller may remove listing %s", id)
	}
	if l.Status == model.ListingRemoved {
		return nil // already removed, idempotent
	}

	active, err := s.store.ListOrdersByListing(ctx, id,
		[]string{model.OrderPending, model.OrderConfirmed})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return apperr.E(apperr.KindListingHasActiveOrders,
			"listing %s has %d unresolved orders", id, len(active))
	}

	if err := s.store.SetListingStatus(ctx, id, model.ListingRemoved); err != nil {
		return err
	}
	slog.Info("listing removed", "id", id, "seller", actorID)
	return nil
}

// Reserve holds qty units for an order being created. The listing must be
// purchasable (active, not expired).
func (s *Service) Reserve(ctx context.Context, id string, qty int64) (*model.Listing, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status != model.ListingActive {
		return nil, apperr.E(apperr.KindInvalidStateTransition,
			"listing %s is %s, not open for purchase", id, l.Status)
	}
	if err := s.store.ReserveListingQuantity(ctx, id, qty); err != nil {
		return nil, err
	}
	return l, nil
}

// Release returns qty held units to availability after a cancelled order.
func (s *Service) Release(ctx context.Context, id string, qty int64) error {
	return s.store.ReleaseListingQuantity(ctx, id, qty)
}

// CommitSale converts qty held units into sold units after settlement.
func (s *Service) CommitSale(ctx context.Context, id string, qty int64) error {
	return s.store.CommitListingSale(ctx, id, qty)
}

// ExpireListings flips active listings whose expiry has passed. Invoked
// periodically; each run is idempotent.
func (s *Service) ExpireListings(ctx context.Context, now time.Time) (int, error) {
	active, err := s.store.ListListings(ctx, store.ListingFilter{Status: model.ListingActive})
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range active {
		l := &active[i]
		if !l.IsExpired(now) {
			continue
		}
		if err := s.store.SetListingStatus(ctx, l.ID, model.ListingExpired); err != nil {
			slog.Warn("listing expiry failed", "id", l.ID, "err", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		slog.Info("listings expired", "count", expired)
	}
	return expired, nil
}
