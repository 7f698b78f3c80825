package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stakefit/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex makes every method one atomic unit, which also serializes
// wallet mutations per user and join bookkeeping per challenge.
type MemoryStore struct {
	mu             sync.RWMutex
	wallets        map[string]*model.Wallet
	ledger         []model.LedgerEntry
	challenges     map[string]*model.Challenge
	pools          map[string]*model.Pool
	participations map[string]map[string]*model.Participation // challengeID → userID
	samples        []model.Sample
	sampleIDs      map[string]struct{}
}

// NewMemoryStore creates a new in-memory store with the house wallet opened.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: map[string]*model.Wallet{
			model.HouseUserID: {UserID: model.HouseUserID},
		},
		challenges:     make(map[string]*model.Challenge),
		pools:          make(map[string]*model.Pool),
		participations: make(map[string]map[string]*model.Participation),
		sampleIDs:      make(map[string]struct{}),
	}
}

// --- Wallets and ledger ---

func (s *MemoryStore) CreateWallet(_ context.Context, userID string, at time.Time) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		copy := *w
		return &copy, nil
	}
	w := &model.Wallet{UserID: userID, UpdatedAt: at}
	s.wallets[userID] = w
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, model.ErrUnknownUser)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry *model.LedgerEntry) (*model.Wallet, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.applyLocked(entry)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// applyLocked posts an entry against its wallet. Caller holds s.mu.
func (s *MemoryStore) applyLocked(entry *model.LedgerEntry) (model.Wallet, error) {
	w, ok := s.wallets[entry.UserID]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %s: %w", entry.UserID, model.ErrUnknownUser)
	}
	next, err := w.Apply(*entry)
	if err != nil {
		return model.Wallet{}, err
	}
	*w = next
	s.ledger = append(s.ledger, *entry)
	return next, nil
}

func (s *MemoryStore) ListEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListEntriesByChallenge(_ context.Context, challengeID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.ChallengeID == challengeID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Challenges ---

func (s *MemoryStore) CreateChallenge(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.challenges[c.ID]; exists {
		return fmt.Errorf("challenge %s already exists", c.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *c
	s.challenges[c.ID] = &copy
	s.pools[c.ID] = &model.Pool{ChallengeID: c.ID, FeePercentage: c.FeePercentage}
	s.participations[c.ID] = make(map[string]*model.Participation)
	return nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, model.ErrUnknownChallenge)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListChallenges(_ context.Context, statuses ...model.ChallengeStatus) ([]model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenges := make([]model.Challenge, 0, len(s.challenges))
	for _, c := range s.challenges {
		if len(statuses) > 0 && !hasStatus(statuses, c.Status) {
			continue
		}
		challenges = append(challenges, *c)
	}
	sort.Slice(challenges, func(i, j int) bool {
		return challenges[i].EndAt.Before(challenges[j].EndAt)
	})
	return challenges, nil
}

func (s *MemoryStore) TransitionChallenge(_ context.Context, id string, from, to model.ChallengeStatus, at time.Time) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, model.ErrUnknownChallenge)
	}
	if c.Status != from {
		return fmt.Errorf("%w: challenge %s is %s, expected %s", model.ErrStatusConflict, id, c.Status, from)
	}
	c.Status = to
	c.StatusChangedAt = at
	return nil
}

func (s *MemoryStore) ClaimStale(_ context.Context, id string, staleBefore, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, model.ErrUnknownChallenge)
	}
	if c.Status != model.StatusFinalizing || !c.StatusChangedAt.Before(staleBefore) {
		return fmt.Errorf("%w: challenge %s is not a stale finalization", model.ErrStatusConflict, id)
	}
	c.StatusChangedAt = at
	return nil
}

func (s *MemoryStore) RollbackFinalizing(_ context.Context, id string, claimedAt, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, model.ErrUnknownChallenge)
	}
	if c.Status != model.StatusFinalizing || !c.StatusChangedAt.Equal(claimedAt) {
		return fmt.Errorf("%w: challenge %s is no longer held by this run", model.ErrStatusConflict, id)
	}
	for _, p := range s.participations[id] {
		if p.Outcome != model.OutcomePending {
			return fmt.Errorf("challenge %s: %s is %s: %w", id, p.UserID, p.Outcome, model.ErrAlreadyReleased)
		}
	}
	c.Status = model.StatusActive
	c.StatusChangedAt = at
	return nil
}

// --- Pools and participations ---

func (s *MemoryStore) GetPool(_ context.Context, challengeID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[challengeID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", challengeID, model.ErrUnknownChallenge)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListParticipations(_ context.Context, challengeID string) ([]model.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser, ok := s.participations[challengeID]
	if !ok {
		return nil, fmt.Errorf("participations %s: %w", challengeID, model.ErrUnknownChallenge)
	}
	result := make([]model.Participation, 0, len(byUser))
	for _, p := range byUser {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) Join(_ context.Context, p *model.Participation, entry *model.LedgerEntry, admit AdmitFunc) (*model.Pool, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.Kind != model.KindStakeEscrow || entry.Escrow != p.Stake || entry.UserID != p.UserID {
		return nil, fmt.Errorf("%w: join entry does not match stake", model.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[p.ChallengeID]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", p.ChallengeID, model.ErrUnknownChallenge)
	}
	w, ok := s.wallets[p.UserID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", p.UserID, model.ErrUnknownUser)
	}
	if _, dup := s.participations[c.ID][p.UserID]; dup {
		return nil, fmt.Errorf("user %s in challenge %s: %w", p.UserID, c.ID, model.ErrAlreadyJoined)
	}
	pool := s.pools[c.ID]

	if admit != nil {
		cc, pc, wc := *c, *pool, *w
		if err := admit(&cc, &pc, &wc); err != nil {
			return nil, err
		}
	}

	if _, err := s.applyLocked(entry); err != nil {
		return nil, err
	}
	joined := *p
	joined.Outcome = model.OutcomePending
	s.participations[c.ID][p.UserID] = &joined
	pool.TotalStaked += p.Stake
	pool.ParticipantCount++

	copy := *pool
	return &copy, nil
}

func (s *MemoryStore) Release(_ context.Context, r model.Release) error {
	if r.Entry == nil {
		return fmt.Errorf("%w: release without entry", model.ErrInvalidAmount)
	}
	if err := r.Entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[r.ChallengeID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", r.ChallengeID, model.ErrUnknownChallenge)
	}
	if c.Status != model.StatusFinalizing {
		return fmt.Errorf("%w: release on %s challenge %s", model.ErrStatusConflict, c.Status, c.ID)
	}
	p, ok := s.participations[r.ChallengeID][r.UserID]
	if !ok {
		return fmt.Errorf("participation %s/%s: %w", r.ChallengeID, r.UserID, model.ErrNotFound)
	}
	if p.Outcome != model.OutcomePending {
		return fmt.Errorf("participation %s/%s is %s: %w", r.ChallengeID, r.UserID, p.Outcome, model.ErrAlreadyReleased)
	}
	if r.Entry.Escrow != -p.Stake || r.Entry.UserID != p.UserID {
		return fmt.Errorf("%w: release of %d does not match stake %d", model.ErrInvariantViolation, -r.Entry.Escrow, p.Stake)
	}

	if _, err := s.applyLocked(r.Entry); err != nil {
		return err
	}
	at := r.At
	p.Outcome = r.Outcome
	p.MetricValue = r.MetricValue
	p.Payout = r.Entry.Amount
	p.SettledAt = &at
	return nil
}

func (s *MemoryStore) CompleteSettlement(_ context.Context, pool *model.Pool, to model.ChallengeStatus, fee *model.LedgerEntry, at time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: complete to %s", model.ErrInvalidTransition, to)
	}
	if fee != nil {
		if err := fee.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[pool.ChallengeID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", pool.ChallengeID, model.ErrUnknownChallenge)
	}
	if c.Status != model.StatusFinalizing {
		return fmt.Errorf("%w: challenge %s is %s, expected %s", model.ErrStatusConflict, c.ID, c.Status, model.StatusFinalizing)
	}
	for _, p := range s.participations[c.ID] {
		if p.Outcome == model.OutcomePending {
			return fmt.Errorf("%w: participant %s still pending", model.ErrInvariantViolation, p.UserID)
		}
	}

	if fee != nil {
		if _, err := s.applyLocked(fee); err != nil {
			return err
		}
	}
	stored := s.pools[c.ID]
	stored.FeeAmount = pool.FeeAmount
	stored.DistributableAmount = pool.DistributableAmount
	settledAt := at
	stored.SettledAt = &settledAt
	c.Status = to
	c.StatusChangedAt = at
	return nil
}

// --- Performance samples ---

func (s *MemoryStore) AppendSamples(_ context.Context, samples []model.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, smp := range samples {
		if _, dup := s.sampleIDs[smp.ID]; dup {
			continue
		}
		s.sampleIDs[smp.ID] = struct{}{}
		s.samples = append(s.samples, smp)
	}
	return nil
}

func (s *MemoryStore) ListSamples(_ context.Context, userID, dataType string, w model.Window) ([]model.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Sample
	for _, smp := range s.samples {
		if smp.UserID == userID && smp.DataType == dataType && w.Contains(smp.StartTime, smp.EndTime) {
			result = append(result, smp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func hasStatus(statuses []model.ChallengeStatus, s model.ChallengeStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
