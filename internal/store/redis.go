package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pmx/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the two hot read paths: listings and wallet balances. Writes go
// to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. Invariant-bearing operations (reservation,
// wallet mutation, transitions) always hit the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Listings (read-through) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.Store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheListing(ctx, l)
	return l, nil
}

// --- Listings (write-through invalidation) ---

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := s.Store.CreateListing(ctx, l); err != nil {
		return err
	}
	s.cacheListing(ctx, l)
	return nil
}

func (s *CachedStore) UpdateListingDetails(ctx context.Context, id string, patch ListingPatch) error {
	if err := s.Store.UpdateListingDetails(ctx, id, patch); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) SetListingStatus(ctx context.Context, id, status string) error {
	if err := s.Store.SetListingStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) ReserveListingQuantity(ctx context.Context, id string, qty int64) error {
	if err := s.Store.ReserveListingQuantity(ctx, id, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) ReleaseListingQuantity(ctx context.Context, id string, qty int64) error {
	if err := s.Store.ReleaseListingQuantity(ctx, id, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) CommitListingSale(ctx context.Context, id string, qty int64) error {
	if err := s.Store.CommitListingSale(ctx, id, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

// --- Wallet (read-through balance) ---

func (s *CachedStore) GetWalletAccount(ctx context.Context, userID string) (*model.WalletAccount, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var acct model.WalletAccount
		if json.Unmarshal(data, &acct) == nil {
			return &acct, nil
		}
	}

	acct, err := s.Store.GetWalletAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(acct); err == nil {
		s.rdb.Set(ctx, walletKey(userID), data, s.ttl)
	}
	return acct, nil
}

func (s *CachedStore) ApplyWalletTransaction(ctx context.Context, txn *model.WalletTransaction) error {
	if err := s.Store.ApplyWalletTransaction(ctx, txn); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(txn.UserID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheListing(ctx context.Context, l *model.Listing) {
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(l.ID), data, s.ttl)
	}
}

func listingKey(id string) string  { return fmt.Sprintf("listing:%s", id) }
func walletKey(uid string) string  { return fmt.Sprintf("wallet:%s", uid) }
