package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakefit/settlement-engine/internal/config"
	"github.com/stakefit/settlement-engine/internal/migrations"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

// Every implementation runs the same contract. Postgres and Redis are
// skipped unless TEST_POSTGRES_DSN / TEST_REDIS_URL are set.
func TestStoreContract(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		runContract(t, store.NewMemoryStore())
	})

	t.Run("postgres", func(t *testing.T) {
		runContract(t, postgresStore(t))
	})

	t.Run("cached", func(t *testing.T) {
		cfg, _ := config.LoadTest()
		if cfg.TestRedisURL == "" {
			t.Skip("TEST_REDIS_URL not set")
		}
		opt, err := redis.ParseURL(cfg.TestRedisURL)
		require.NoError(t, err)
		rdb := redis.NewClient(opt)
		t.Cleanup(func() { rdb.Close() })
		primary := store.NewMemoryStore()
		cached := store.NewCachedStore(primary, rdb, time.Minute)
		runContract(t, cached)
		checkCacheFreshness(t, primary, cached)
	})
}

func TestPrimary(t *testing.T) {
	ms := store.NewMemoryStore()
	assert.Same(t, ms, store.Primary(ms))
	assert.Same(t, ms, store.Primary(store.NewCachedStore(ms, nil, time.Minute)))
}

// checkCacheFreshness fills the cache and then writes behind its back, the
// outcome of a fill racing an invalidation. Mutable records must still be
// read fresh.
func checkCacheFreshness(t *testing.T, primary *store.MemoryStore, cached *store.CachedStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := "fresh-" + store.NewID()
	user := "carl-" + store.NewID()

	require.NoError(t, cached.CreateChallenge(ctx, &model.Challenge{
		ID: id, Title: "freshness", MetricType: "steps",
		TargetValue: decimal.NewFromInt(1000), TargetUnit: "steps",
		StakeMin: 10, StakeMax: 400, MaxParticipants: 5,
		FeePercentage: decimal.RequireFromString("0.10"),
		StartAt:       now.Add(-time.Hour), EndAt: now.Add(time.Hour),
		Status: model.StatusActive, StatusChangedAt: now, CreatedAt: now,
	}))
	_, err := cached.CreateWallet(ctx, user, now)
	require.NoError(t, err)
	_, err = cached.AppendEntry(ctx, &model.LedgerEntry{ID: store.NewID(), UserID: user, Kind: model.KindDeposit, Amount: 100, CreatedAt: now})
	require.NoError(t, err)

	p, err := cached.GetPool(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, p.TotalStaked)
	c, err := cached.GetChallenge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, c.Status)

	_, err = primary.Join(ctx, &model.Participation{ChallengeID: id, UserID: user, Stake: 100, JoinedAt: now},
		&model.LedgerEntry{ID: store.NewID(), UserID: user, Kind: model.KindStakeEscrow, Amount: -100, Escrow: 100, ChallengeID: id, CreatedAt: now}, nil)
	require.NoError(t, err)
	require.NoError(t, primary.TransitionChallenge(ctx, id, model.StatusActive, model.StatusFinalizing, now))

	p, err = cached.GetPool(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.TotalStaked, "open pool is never served stale")
	c, err = cached.GetChallenge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalizing, c.Status, "non-terminal challenge is never served stale")
}

func postgresStore(t *testing.T) store.Store {
	t.Helper()
	cfg, _ := config.LoadTest()
	if cfg.TestPostgresDSN == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	require.NoError(t, migrations.Up(cfg.TestPostgresDSN))
	pg, err := pgxpool.New(context.Background(), cfg.TestPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return store.NewPostgresStore(pg)
}

func runContract(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	// Unique ids keep runs against a shared database independent.
	chID := "ch-" + store.NewID()
	alice := "alice-" + store.NewID()
	bob := "bob-" + store.NewID()

	t.Run("wallets", func(t *testing.T) {
		w, err := st.CreateWallet(ctx, alice, now)
		require.NoError(t, err)
		assert.Zero(t, w.Balance())

		_, err = st.AppendEntry(ctx, &model.LedgerEntry{ID: store.NewID(), UserID: alice, Kind: model.KindDeposit, Amount: 500, CreatedAt: now})
		require.NoError(t, err)
		again, err := st.CreateWallet(ctx, alice, now)
		require.NoError(t, err)
		assert.Equal(t, int64(500), again.Available, "create is idempotent")

		_, err = st.AppendEntry(ctx, &model.LedgerEntry{ID: store.NewID(), UserID: alice, Kind: model.KindWithdraw, Amount: -501, CreatedAt: now})
		assert.ErrorIs(t, err, model.ErrInsufficientFunds)

		_, err = st.GetWallet(ctx, "nobody-"+store.NewID())
		assert.ErrorIs(t, err, model.ErrUnknownUser)

		_, err = st.GetWallet(ctx, model.HouseUserID)
		assert.NoError(t, err, "house wallet exists")

		_, err = st.CreateWallet(ctx, bob, now)
		require.NoError(t, err)
		_, err = st.AppendEntry(ctx, &model.LedgerEntry{ID: store.NewID(), UserID: bob, Kind: model.KindDeposit, Amount: 300, CreatedAt: now})
		require.NoError(t, err)
	})

	t.Run("challenge lifecycle", func(t *testing.T) {
		require.NoError(t, st.CreateChallenge(ctx, &model.Challenge{
			ID: chID, Title: "contract", MetricType: "steps",
			TargetValue: decimal.NewFromInt(10000), TargetUnit: "steps",
			StakeMin: 10, StakeMax: 400, MaxParticipants: 2,
			FeePercentage: decimal.RequireFromString("0.10"),
			StartAt:       now.Add(-time.Hour), EndAt: now.Add(time.Hour),
			Status: model.StatusActive, StatusChangedAt: now, CreatedAt: now,
		}))
		c, err := st.GetChallenge(ctx, chID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, c.Status)
		assert.True(t, c.TargetValue.Equal(decimal.NewFromInt(10000)))

		p, err := st.GetPool(ctx, chID)
		require.NoError(t, err)
		assert.Zero(t, p.TotalStaked)

		_, err = st.GetChallenge(ctx, "missing-"+store.NewID())
		assert.ErrorIs(t, err, model.ErrUnknownChallenge)

		err = st.TransitionChallenge(ctx, chID, model.StatusScheduled, model.StatusActive, now)
		assert.ErrorIs(t, err, model.ErrStatusConflict)
	})

	t.Run("join", func(t *testing.T) {
		rejected := errors.New("rejected")
		part := &model.Participation{ChallengeID: chID, UserID: alice, Stake: 200, JoinedAt: now}
		escrow := &model.LedgerEntry{ID: store.NewID(), UserID: alice, Kind: model.KindStakeEscrow, Amount: -200, Escrow: 200, ChallengeID: chID, CreatedAt: now}

		_, err := st.Join(ctx, part, escrow, func(*model.Challenge, *model.Pool, *model.Wallet) error { return rejected })
		assert.ErrorIs(t, err, rejected)
		w, _ := st.GetWallet(ctx, alice)
		assert.Equal(t, int64(500), w.Available, "rejected join leaves no escrow")

		p, err := st.Join(ctx, part, escrow, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(200), p.TotalStaked)
		assert.Equal(t, 1, p.ParticipantCount)

		_, err = st.Join(ctx, part, &model.LedgerEntry{ID: store.NewID(), UserID: alice, Kind: model.KindStakeEscrow, Amount: -200, Escrow: 200, ChallengeID: chID, CreatedAt: now}, nil)
		assert.ErrorIs(t, err, model.ErrAlreadyJoined)

		_, err = st.Join(ctx, &model.Participation{ChallengeID: chID, UserID: bob, Stake: 100, JoinedAt: now},
			&model.LedgerEntry{ID: store.NewID(), UserID: bob, Kind: model.KindStakeEscrow, Amount: -100, Escrow: 100, ChallengeID: chID, CreatedAt: now}, nil)
		require.NoError(t, err)

		w, _ = st.GetWallet(ctx, alice)
		assert.Equal(t, int64(300), w.Available)
		assert.Equal(t, int64(200), w.Escrowed)
	})

	t.Run("rollback", func(t *testing.T) {
		newChallenge := func(id string) {
			require.NoError(t, st.CreateChallenge(ctx, &model.Challenge{
				ID: id, Title: "rollback", MetricType: "steps",
				TargetValue: decimal.NewFromInt(1000), TargetUnit: "steps",
				StakeMin: 10, StakeMax: 400, MaxParticipants: 5,
				FeePercentage: decimal.RequireFromString("0.10"),
				StartAt:       now.Add(-2 * time.Hour), EndAt: now.Add(-time.Hour),
				Status: model.StatusActive, StatusChangedAt: now, CreatedAt: now,
			}))
		}
		claimed := now.Add(-time.Hour)
		taken := now.Add(-time.Minute)

		clean := "rb-" + store.NewID()
		newChallenge(clean)
		require.NoError(t, st.TransitionChallenge(ctx, clean, model.StatusActive, model.StatusFinalizing, claimed))
		require.NoError(t, st.RollbackFinalizing(ctx, clean, claimed, now))
		c, _ := st.GetChallenge(ctx, clean)
		assert.Equal(t, model.StatusActive, c.Status)

		rb := "rb-" + store.NewID()
		newChallenge(rb)
		_, err := st.Join(ctx, &model.Participation{ChallengeID: rb, UserID: alice, Stake: 50, JoinedAt: now},
			&model.LedgerEntry{ID: store.NewID(), UserID: alice, Kind: model.KindStakeEscrow, Amount: -50, Escrow: 50, ChallengeID: rb, CreatedAt: now}, nil)
		require.NoError(t, err)
		require.NoError(t, st.TransitionChallenge(ctx, rb, model.StatusActive, model.StatusFinalizing, claimed))
		require.NoError(t, st.ClaimStale(ctx, rb, now.Add(-30*time.Minute), taken))

		err = st.RollbackFinalizing(ctx, rb, claimed, now)
		assert.ErrorIs(t, err, model.ErrStatusConflict, "a superseded claim cannot reopen the challenge")
		c, _ = st.GetChallenge(ctx, rb)
		assert.Equal(t, model.StatusFinalizing, c.Status)

		require.NoError(t, st.Release(ctx, model.Release{
			ChallengeID: rb, UserID: alice, Outcome: model.OutcomeRefunded, At: now,
			Entry: &model.LedgerEntry{ID: store.NewID(), UserID: alice, Kind: model.KindStakeRefund, Amount: 50, Escrow: -50, ChallengeID: rb, CreatedAt: now},
		}))
		err = st.RollbackFinalizing(ctx, rb, taken, now)
		assert.ErrorIs(t, err, model.ErrAlreadyReleased)
		c, _ = st.GetChallenge(ctx, rb)
		assert.Equal(t, model.StatusFinalizing, c.Status)
	})

	t.Run("release and complete", func(t *testing.T) {
		release := func(user string, outcome model.Outcome, amount, stake int64) error {
			kind := model.KindPrizeCredit
			if outcome == model.OutcomeLost {
				kind = model.KindStakeForfeit
			}
			return st.Release(ctx, model.Release{
				ChallengeID: chID, UserID: user, Outcome: outcome, At: now,
				Entry: &model.LedgerEntry{ID: store.NewID(), UserID: user, Kind: kind, Amount: amount, Escrow: -stake, ChallengeID: chID, CreatedAt: now},
			})
		}

		err := release(alice, model.OutcomeWon, 270, 200)
		assert.ErrorIs(t, err, model.ErrStatusConflict, "release requires finalizing")

		require.NoError(t, st.TransitionChallenge(ctx, chID, model.StatusActive, model.StatusFinalizing, now.Add(-time.Hour)))

		err = st.ClaimStale(ctx, chID, now.Add(-2*time.Hour), now)
		assert.ErrorIs(t, err, model.ErrStatusConflict, "not stale yet")
		require.NoError(t, st.ClaimStale(ctx, chID, now.Add(-time.Minute), now))
		c, _ := st.GetChallenge(ctx, chID)
		assert.WithinDuration(t, now, c.StatusChangedAt, time.Millisecond)

		require.NoError(t, release(alice, model.OutcomeWon, 270, 200))
		assert.ErrorIs(t, release(alice, model.OutcomeWon, 270, 200), model.ErrAlreadyReleased)

		fee := &model.LedgerEntry{ID: store.NewID(), UserID: model.HouseUserID, Kind: model.KindFeeDebit, Amount: 30, ChallengeID: chID, CreatedAt: now}
		err = st.CompleteSettlement(ctx, &model.Pool{ChallengeID: chID, FeeAmount: 30, DistributableAmount: 270}, model.StatusSettled, fee, now)
		assert.ErrorIs(t, err, model.ErrInvariantViolation, "bob still pending")

		require.NoError(t, release(bob, model.OutcomeLost, 0, 100))
		house, _ := st.GetWallet(ctx, model.HouseUserID)
		require.NoError(t, st.CompleteSettlement(ctx, &model.Pool{ChallengeID: chID, FeeAmount: 30, DistributableAmount: 270}, model.StatusSettled, fee, now))

		c, _ = st.GetChallenge(ctx, chID)
		assert.Equal(t, model.StatusSettled, c.Status)
		p, _ := st.GetPool(ctx, chID)
		assert.Equal(t, int64(30), p.FeeAmount)
		require.NotNil(t, p.SettledAt)
		after, _ := st.GetWallet(ctx, model.HouseUserID)
		assert.Equal(t, house.Available+30, after.Available)

		parts, err := st.ListParticipations(ctx, chID)
		require.NoError(t, err)
		require.Len(t, parts, 2)
		for _, pt := range parts {
			if pt.UserID == alice {
				assert.Equal(t, model.OutcomeWon, pt.Outcome)
				assert.Equal(t, int64(270), pt.Payout)
			}
		}

		entries, err := st.ListEntriesByChallenge(ctx, chID)
		require.NoError(t, err)
		assert.Len(t, entries, 5)
	})

	t.Run("samples", func(t *testing.T) {
		w := model.Window{Start: now.Add(-time.Hour), End: now}
		require.NoError(t, st.AppendSamples(ctx, []model.Sample{
			{ID: store.NewID(), UserID: alice, DataType: "steps", Value: decimal.NewFromInt(10), Unit: "steps", StartTime: w.Start, EndTime: w.Start.Add(time.Minute)},
			{ID: store.NewID(), UserID: alice, DataType: "steps", Value: decimal.NewFromInt(20), Unit: "steps", StartTime: w.End.Add(-time.Minute), EndTime: w.End.Add(time.Minute)},
			{ID: store.NewID(), UserID: alice, DataType: "calories", Value: decimal.NewFromInt(5), Unit: "kcal", StartTime: w.Start, EndTime: w.End},
		}))
		got, err := st.ListSamples(ctx, alice, "steps", w)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Value.Equal(decimal.NewFromInt(10)))

		// A retried batch, with a duplicate inside it, stores nothing new.
		retry := []model.Sample{got[0], got[0]}
		require.NoError(t, st.AppendSamples(ctx, retry))
		got, err = st.ListSamples(ctx, alice, "steps", w)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}
