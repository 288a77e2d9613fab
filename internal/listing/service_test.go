package listing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/listing"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newSvc() (*listing.Service, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	return listing.NewService(ms), ms
}

func mustCreate(t *testing.T, svc *listing.Service, sellerID string, qty int64) *model.Listing {
	t.Helper()
	l, err := svc.Create(context.Background(), sellerID, "hand-forged knife", "carbon steel", d("25.00"), qty, nil)
	if err != nil {
		t.Fatalf("failed to create listing: %v", err)
	}
	return l
}

func TestCreateListing(t *testing.T) {
	svc, _ := newSvc()
	l := mustCreate(t, svc, "seller1", 10)

	if l.Status != model.ListingActive {
		t.Errorf("expected active status, got %s", l.Status)
	}
	if l.AvailableQuantity() != 10 {
		t.Errorf("expected 10 available, got %d", l.AvailableQuantity())
	}
	if l.ID == "" {
		t.Error("expected non-empty id")
	}
}

func TestCreateListing_Validation(t *testing.T) {
	svc, _ := newSvc()
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	cases := []struct {
		name string
		fn   func() error
	}{
		{"empty seller", func() error {
			_, err := svc.Create(ctx, "", "t", "", d("1"), 1, nil)
			return err
		}},
		{"empty title", func() error {
			_, err := svc.Create(ctx, "s", "", "", d("1"), 1, nil)
			return err
		}},
		{"zero price", func() error {
			_, err := svc.Create(ctx, "s", "t", "", d("0"), 1, nil)
			return err
		}},
		{"negative price", func() error {
			_, err := svc.Create(ctx, "s", "t", "", d("-1"), 1, nil)
			return err
		}},
		{"zero quantity", func() error {
			_, err := svc.Create(ctx, "s", "t", "", d("1"), 0, nil)
			return err
		}},
		{"past expiry", func() error {
			_, err := svc.Create(ctx, "s", "t", "", d("1"), 1, &past)
			return err
		}},
	}
	for _, c := range cases {
		if kind := apperr.KindOf(c.fn()); kind != apperr.KindValidation {
			t.Errorf("%s: expected validation error, got %s", c.name, kind)
		}
	}
}

func TestUpdateListing_OwnerOnly(t *testing.T) {
	svc, _ := newSvc()
	l := mustCreate(t, svc, "seller1", 5)

	title := "sharper knife"
	_, err := svc.Update(context.Background(), l.ID, "intruder", store.ListingPatch{Title: &title})
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	updated, err := svc.Update(context.Background(), l.ID, "seller1", store.ListingPatch{Title: &title})
	if err != nil {
		t.Fatalf("owner update failed: %v", err)
	}
	if updated.Title != "sharper knife" {
		t.Errorf("title not updated: %s", updated.Title)
	}
}

func TestUpdateListing_PriceValidation(t *testing.T) {
	svc, _ := newSvc()
	l := mustCreate(t, svc, "seller1", 5)

	bad := d("0")
	_, err := svc.Update(context.Background(), l.ID, "seller1", store.ListingPatch{UnitPrice: &bad})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for zero price, got %v", err)
	}
}

func TestRemoveListing(t *testing.T) {
	svc, _ := newSvc()
	l := mustCreate(t, svc, "seller1", 5)
	ctx := context.Background()

	if err := svc.Remove(ctx, l.ID, "intruder"); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if err := svc.Remove(ctx, l.ID, "seller1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	// Removing again is a no-op.
	if err := svc.Remove(ctx, l.ID, "seller1"); err != nil {
		t.Fatalf("second remove should be idempotent: %v", err)
	}

	got, err := svc.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.ListingRemoved {
		t.Errorf("expected removed, got %s", got.Status)
	}
}

func TestRemoveListing_BlockedByOpenOrders(t *testing.T) {
	svc, ms := newSvc()
	l := mustCreate(t, svc, "seller1", 5)
	ctx := context.Background()

	err := ms.CreateOrder(ctx, &model.Order{
		ID:        "o1",
		ListingID: l.ID,
		BuyerID:   "buyer1",
		SellerID:  "seller1",
		Quantity:  1,
		Status:    model.OrderPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	if err := svc.Remove(ctx, l.ID, "seller1"); apperr.KindOf(err) != apperr.KindListingHasActiveOrders {
		t.Errorf("expected listing_has_active_orders, got %v", err)
	}
}

func TestReserve_InsufficientQuantity(t *testing.T) {
	svc, _ := newSvc()
	l := mustCreate(t, svc, "seller1", 3)

	if _, err := svc.Reserve(context.Background(), l.ID, 4); apperr.KindOf(err) != apperr.KindInsufficientQuantity {
		t.Errorf("expected insufficient_quantity, got %v", err)
	}
}

func TestReserve_LastUnitRace(t *testing.T) {
	svc, ms := newSvc()
	l := mustCreate(t, svc, "seller1", 1)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, l.ID, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 successful reservation, got %d", succeeded)
	}

	got, err := ms.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ReservedQuantity != 1 || got.AvailableQuantity() != 0 {
		t.Errorf("reserved=%d available=%d, want 1 and 0", got.ReservedQuantity, got.AvailableQuantity())
	}
}

func TestExpiry_LazyFlipOnGet(t *testing.T) {
	svc, ms := newSvc()
	ctx := context.Background()

	// Seed directly so the expiry can be in the past.
	past := time.Now().UTC().Add(-time.Minute)
	err := ms.CreateListing(ctx, &model.Listing{
		ID:            "l1",
		SellerID:      "seller1",
		Title:         "stale goods",
		UnitPrice:     d("5.00"),
		TotalQuantity: 2,
		Status:        model.ListingActive,
		CreatedAt:     past.Add(-time.Hour),
		ExpiresAt:     &past,
	})
	if err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}

	got, err := svc.Get(ctx, "l1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.ListingExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}

	// Expired listings cannot take reservations.
	if _, err := svc.Reserve(ctx, "l1", 1); apperr.KindOf(err) != apperr.KindInvalidStateTransition {
		t.Errorf("expected invalid_state_transition, got %v", err)
	}
}

func TestExpireListings_Sweep(t *testing.T) {
	svc, ms := newSvc()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	seed := func(id string, expires *time.Time) {
		t.Helper()
		if err := ms.CreateListing(ctx, &model.Listing{
			ID: id, SellerID: "s", Title: "x", UnitPrice: d("1"),
			TotalQuantity: 1, Status: model.ListingActive, CreatedAt: now, ExpiresAt: expires,
		}); err != nil {
			t.Fatalf("failed to seed %s: %v", id, err)
		}
	}
	seed("expired", &past)
	seed("fresh", &future)
	seed("forever", nil)

	n, err := svc.ExpireListings(ctx, now)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}

	// A second sweep finds nothing new.
	n, err = svc.ExpireListings(ctx, now)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected idempotent sweep, got %d", n)
	}
}
