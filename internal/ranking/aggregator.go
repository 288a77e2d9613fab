// Package ranking summarizes completed trades into leaderboard snapshots.
// Recomputation is a pure function over the completed-order set for a period:
// the prior snapshot for that period key is replaced wholesale, so reruns
// with unchanged input are byte-identical and trivially idempotent.
package ranking

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/trade-engine/internal/apperr"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/store"
)

// Aggregator recomputes ranking snapshots. It reads only completed orders
// and never locks them; snapshots may lag completions by one cycle.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates a ranking aggregator.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// PeriodWindow normalizes a date to its period start and returns the
// half-open window [start, end) covered by that period.
func PeriodWindow(periodType string, date time.Time) (start, end time.Time, err error) {
	d := date.UTC().Truncate(24 * time.Hour)
	switch periodType {
	case model.PeriodDaily:
		return d, d.AddDate(0, 0, 1), nil
	case model.PeriodWeekly:
		// ISO week: Monday start.
		offset := (int(d.Weekday()) + 6) % 7
		start = d.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case model.PeriodMonthly:
		start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, apperr.E(apperr.KindValidation,
			"unknown period type %q", periodType)
	}
}

// Recompute rebuilds the snapshot for one (periodType, periodDate) key from
// the orders completed in that window and returns the stored rows.
func (a *Aggregator) Recompute(ctx context.Context, periodType string, periodDate time.Time) ([]model.RankingSnapshot, error) {
	start, end, err := PeriodWindow(periodType, periodDate)
	if err != nil {
		return nil, err
	}

	orders, err := a.store.ListCompletedOrders(ctx, start, end)
	if err != nil {
		return nil, err
	}

	byListing := make(map[string]*listingTotals)
	for _, o := range orders {
		entry, ok := byListing[o.ListingID]
		if !ok {
			entry = &listingTotals{listingID: o.ListingID}
			byListing[o.ListingID] = entry
		}
		entry.amount = entry.amount.Add(o.TotalAmount)
		entry.volume += o.Quantity
	}

	entries := make([]*listingTotals, 0, len(byListing))
	for _, entry := range byListing {
		entries = append(entries, entry)
	}

	rows := make([]model.RankingSnapshot, 0, 2*len(entries))
	rows = append(rows, rank(entries, periodType, start, model.MetricAmount,
		func(e *listingTotals) decimal.Decimal { return e.amount })...)
	rows = append(rows, rank(entries, periodType, start, model.MetricVolume,
		func(e *listingTotals) decimal.Decimal { return decimal.NewFromInt(e.volume) })...)

	if err := a.store.ReplaceRankingSnapshots(ctx, periodType, start, rows); err != nil {
		return nil, err
	}

	slog.Info("ranking snapshot recomputed",
		"period_type", periodType,
		"period_date", start.Format("2006-01-02"),
		"orders", len(orders),
		"listings", len(entries),
	)
	return rows, nil
}

type listingTotals struct {
	listingID string
	amount    decimal.Decimal
	volume    int64
}

// rank orders entries descending by value, ties broken by listing ID so the
// output is deterministic.
func rank(entries []*listingTotals, periodType string, periodDate time.Time, metric string, value func(*listingTotals) decimal.Decimal) []model.RankingSnapshot {
	sorted := append([]*listingTotals(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		vi, vj := value(sorted[i]), value(sorted[j])
		if !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		return sorted[i].listingID < sorted[j].listingID
	})

	rows := make([]model.RankingSnapshot, 0, len(sorted))
	for i, e := range sorted {
		rows = append(rows, model.RankingSnapshot{
			PeriodType: periodType,
			PeriodDate: periodDate,
			ListingID:  e.listingID,
			Metric:     metric,
			Rank:       i + 1,
			Value:      value(e),
		})
	}
	return rows
}

// Snapshots returns the stored rows for a period and metric.
func (a *Aggregator) Snapshots(ctx context.Context, periodType string, periodDate time.Time, metric string) ([]model.RankingSnapshot, error) {
	start, _, err := PeriodWindow(periodType, periodDate)
	if err != nil {
		return nil, err
	}
	return a.store.ListRankingSnapshots(ctx, periodType, start, metric)
}
