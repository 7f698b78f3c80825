package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stakefit/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Challenges are cached only once terminal and pools only once settled:
// neither changes after that, so a cache fill racing a write can never
// store a stale copy. Wallets are cached for display and may lag by up to
// the TTL; money decisions and audits read through Primary. Every atomic
// unit, including the status compare-and-set, runs against the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateWallet(ctx context.Context, userID string, at time.Time) (*model.Wallet, error) {
	w, err := s.primary.CreateWallet(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	s.put(ctx, walletKey(userID), w)
	return w, nil
}

func (s *CachedStore) AppendEntry(ctx context.Context, entry *model.LedgerEntry) (*model.Wallet, error) {
	w, err := s.primary.AppendEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, walletKey(entry.UserID))
	return w, nil
}

// Primary returns the wrapped source of truth.
func (s *CachedStore) Primary() Store { return s.primary }

func (s *CachedStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	return s.primary.CreateChallenge(ctx, c)
}

func (s *CachedStore) TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus, at time.Time) error {
	err := s.primary.TransitionChallenge(ctx, id, from, to, at)
	// Invalidate on conflict too: the cached status is evidently stale.
	s.rdb.Del(ctx, challengeKey(id))
	return err
}

func (s *CachedStore) ClaimStale(ctx context.Context, id string, staleBefore, at time.Time) error {
	err := s.primary.ClaimStale(ctx, id, staleBefore, at)
	s.rdb.Del(ctx, challengeKey(id))
	return err
}

func (s *CachedStore) RollbackFinalizing(ctx context.Context, id string, claimedAt, at time.Time) error {
	return s.primary.RollbackFinalizing(ctx, id, claimedAt, at)
}

func (s *CachedStore) Join(ctx context.Context, p *model.Participation, entry *model.LedgerEntry, admit AdmitFunc) (*model.Pool, error) {
	pool, err := s.primary.Join(ctx, p, entry, admit)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, poolKey(p.ChallengeID), walletKey(p.UserID))
	return pool, nil
}

func (s *CachedStore) Release(ctx context.Context, r model.Release) error {
	if err := s.primary.Release(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(r.UserID))
	return nil
}

func (s *CachedStore) CompleteSettlement(ctx context.Context, pool *model.Pool, to model.ChallengeStatus, fee *model.LedgerEntry, at time.Time) error {
	err := s.primary.CompleteSettlement(ctx, pool, to, fee, at)
	s.rdb.Del(ctx, challengeKey(pool.ChallengeID), poolKey(pool.ChallengeID), walletKey(model.HouseUserID))
	return err
}

func (s *CachedStore) AppendSamples(ctx context.Context, samples []model.Sample) error {
	return s.primary.AppendSamples(ctx, samples)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.get(ctx, walletKey(userID), &w) {
		return &w, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, walletKey(userID), fresh)
	return fresh, nil
}

func (s *CachedStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	var c model.Challenge
	if s.get(ctx, challengeKey(id), &c) {
		return &c, nil
	}

	fresh, err := s.primary.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	if fresh.Status.Terminal() {
		s.put(ctx, challengeKey(id), fresh)
	}
	return fresh, nil
}

func (s *CachedStore) GetPool(ctx context.Context, challengeID string) (*model.Pool, error) {
	var p model.Pool
	if s.get(ctx, poolKey(challengeID), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPool(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if fresh.SettledAt != nil {
		s.put(ctx, poolKey(challengeID), fresh)
	}
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListEntriesByUser(ctx, userID)
}

func (s *CachedStore) ListEntriesByChallenge(ctx context.Context, challengeID string) ([]model.LedgerEntry, error) {
	return s.primary.ListEntriesByChallenge(ctx, challengeID)
}

func (s *CachedStore) ListChallenges(ctx context.Context, statuses ...model.ChallengeStatus) ([]model.Challenge, error) {
	return s.primary.ListChallenges(ctx, statuses...)
}

func (s *CachedStore) ListParticipations(ctx context.Context, challengeID string) ([]model.Participation, error) {
	return s.primary.ListParticipations(ctx, challengeID)
}

func (s *CachedStore) ListSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error) {
	return s.primary.ListSamples(ctx, userID, dataType, w)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func walletKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
func challengeKey(id string) string { return fmt.Sprintf("challenge:%s", id) }
func poolKey(id string) string { return fmt.Sprintf("pool:%s", id) }
