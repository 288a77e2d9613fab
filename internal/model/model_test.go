package model_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/model"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{model.OrderPending, model.OrderConfirmed, true},
		{model.OrderPending, model.OrderCancelled, true},
		{model.OrderPending, model.OrderCompleted, false},
		{model.OrderConfirmed, model.OrderCompleted, true},
		{model.OrderConfirmed, model.OrderCancelled, true},
		{model.OrderConfirmed, model.OrderPending, false},
		{model.OrderCompleted, model.OrderCancelled, false},
		{model.OrderCompleted, model.OrderConfirmed, false},
		{model.OrderCancelled, model.OrderConfirmed, false},
		{model.OrderCancelled, model.OrderCompleted, false},
		{"bogus", model.OrderConfirmed, false},
	}
	for _, c := range cases {
		if got := model.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestOrderIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		model.OrderPending:   false,
		model.OrderConfirmed: false,
		model.OrderCompleted: true,
		model.OrderCancelled: true,
	} {
		o := &model.Order{Status: status}
		if o.IsTerminal() != terminal {
			t.Errorf("IsTerminal() for %s = %v, want %v", status, o.IsTerminal(), terminal)
		}
	}
}

func TestChargeAndFeePoints(t *testing.T) {
	o := &model.Order{
		TotalAmount:     decimal.RequireFromString("250.00"),
		PlatformFeeRate: decimal.RequireFromString("0.05"),
	}
	if got := o.ChargePoints(); got != 250 {
		t.Errorf("ChargePoints() = %d, want 250", got)
	}
	if got := o.PlatformFeePoints(); got != 13 {
		// 250 * 0.05 = 12.5, rounds half away from zero to 13.
		t.Errorf("PlatformFeePoints() = %d, want 13", got)
	}

	// Fee rate is frozen per order, so a different rate changes only this order.
	o2 := &model.Order{
		TotalAmount:     decimal.RequireFromString("250.00"),
		PlatformFeeRate: decimal.RequireFromString("0.10"),
	}
	if got := o2.PlatformFeePoints(); got != 25 {
		t.Errorf("PlatformFeePoints() = %d, want 25", got)
	}
}

func TestListingAvailableQuantity(t *testing.T) {
	l := &model.Listing{TotalQuantity: 10, ReservedQuantity: 3, SoldQuantity: 4}
	if got := l.AvailableQuantity(); got != 3 {
		t.Errorf("AvailableQuantity() = %d, want 3", got)
	}
}

func TestListingIsExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if (&model.Listing{}).IsExpired(now) {
		t.Error("listing without expiry should never expire")
	}
	if !(&model.Listing{ExpiresAt: &past}).IsExpired(now) {
		t.Error("listing past expiry should be expired")
	}
	if (&model.Listing{ExpiresAt: &future}).IsExpired(now) {
		t.Error("listing before expiry should not be expired")
	}
}
