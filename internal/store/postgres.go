package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money is BIGINT cents; percentages and metric values are NUMERIC.
//
// Atomic units run in one transaction and take row locks in a fixed order
// (challenge, participation, wallet) so concurrent joins and releases
// cannot deadlock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks connectivity with a short timeout.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Wallets and ledger ---

const walletColumns = `user_id, available, escrowed, updated_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, userID string, at time.Time) (*model.Wallet, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, available, escrowed, updated_at)
		 VALUES ($1, 0, 0, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("create wallet %s: %w", userID, err)
	}
	return s.GetWallet(ctx, userID)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, mapNoRows(err, model.ErrUnknownUser))
	}
	return w, nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, entry *model.LedgerEntry) (*model.Wallet, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	var out model.Wallet
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		next, err := applyEntry(ctx, tx, entry)
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// applyEntry locks the entry's wallet, applies both legs and inserts the entry.
func applyEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) (model.Wallet, error) {
	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, e.UserID))
	if err != nil {
		return model.Wallet{}, fmt.Errorf("lock wallet %s: %w", e.UserID, mapNoRows(err, model.ErrUnknownUser))
	}
	next, err := w.Apply(*e)
	if err != nil {
		return model.Wallet{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET available = $2, escrowed = $3, updated_at = $4 WHERE user_id = $1`,
		next.UserID, next.Available, next.Escrowed, next.UpdatedAt,
	); err != nil {
		return model.Wallet{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, escrow, challenge_id, operator_id, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.ID, e.UserID, string(e.Kind), e.Amount, e.Escrow,
		e.ChallengeID, e.OperatorID, e.Reference, e.CreatedAt,
	); err != nil {
		return model.Wallet{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return next, nil
}

const entryColumns = `id, user_id, kind, amount, escrow,
	COALESCE(challenge_id, ''), COALESCE(operator_id, ''), COALESCE(reference, ''), created_at`

func (s *PostgresStore) ListEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListEntriesByChallenge(ctx context.Context, challengeID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE challenge_id = $1 ORDER BY id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// --- Challenges ---

const challengeColumns = `id, title, metric_type, target_value::TEXT, target_unit,
	stake_min, stake_max, max_participants, fee_percentage::TEXT,
	start_at, end_at, status, status_changed_at, created_by, created_at`

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *model.Challenge) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO challenges (id, title, metric_type, target_value, target_unit,
			        stake_min, stake_max, max_participants, fee_percentage,
			        start_at, end_at, status, status_changed_at, created_by, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC, $10, $11, $12, $13, $14, $15)`,
			c.ID, c.Title, c.MetricType, c.TargetValue.String(), c.TargetUnit,
			c.StakeMin, c.StakeMax, c.MaxParticipants, c.FeePercentage.String(),
			c.StartAt, c.EndAt, string(c.Status), c.StatusChangedAt, c.CreatedBy, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert challenge %s: %w", c.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO pools (challenge_id, fee_percentage) VALUES ($1, $2::NUMERIC)`,
			c.ID, c.FeePercentage.String(),
		)
		return err
	})
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	c, err := scanChallenge(s.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get challenge %s: %w", id, mapNoRows(err, model.ErrUnknownChallenge))
	}
	return c, nil
}

func (s *PostgresStore) ListChallenges(ctx context.Context, statuses ...model.ChallengeStatus) ([]model.Challenge, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges
		 WHERE cardinality($1::TEXT[]) = 0 OR status = ANY($1::TEXT[])
		 ORDER BY end_at`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *c)
	}
	return challenges, rows.Err()
}

func (s *PostgresStore) TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus, at time.Time) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE challenges SET status = $3, status_changed_at = $4
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id, fmt.Sprintf("expected %s", from))
	}
	return nil
}

func (s *PostgresStore) ClaimStale(ctx context.Context, id string, staleBefore, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE challenges SET status_changed_at = $3
		 WHERE id = $1 AND status = 'finalizing' AND status_changed_at < $2`,
		id, staleBefore, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id, "not a stale finalization")
	}
	return nil
}

// RollbackFinalizing locks the challenge row, which Release holds FOR SHARE,
// so no release can commit between the check and the update.
func (s *PostgresStore) RollbackFinalizing(ctx context.Context, id string, claimedAt, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		var changedAt time.Time
		if err := tx.QueryRow(ctx,
			`SELECT status, status_changed_at FROM challenges WHERE id = $1 FOR UPDATE`, id,
		).Scan(&status, &changedAt); err != nil {
			return fmt.Errorf("challenge %s: %w", id, mapNoRows(err, model.ErrUnknownChallenge))
		}
		// timestamptz keeps microseconds.
		if model.ChallengeStatus(status) != model.StatusFinalizing || !changedAt.Equal(claimedAt.Truncate(time.Microsecond)) {
			return fmt.Errorf("%w: challenge %s is no longer held by this run", model.ErrStatusConflict, id)
		}

		var released int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM participations WHERE challenge_id = $1 AND outcome <> 'pending'`, id,
		).Scan(&released); err != nil {
			return err
		}
		if released > 0 {
			return fmt.Errorf("challenge %s: %d participations released: %w", id, released, model.ErrAlreadyReleased)
		}

		_, err := tx.Exec(ctx,
			`UPDATE challenges SET status = 'active', status_changed_at = $2 WHERE id = $1`, id, at)
		return err
	})
}

func (s *PostgresStore) conflictOrMissing(ctx context.Context, id, detail string) error {
	if _, err := s.GetChallenge(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: challenge %s %s", model.ErrStatusConflict, id, detail)
}

// --- Pools and participations ---

const poolColumns = `challenge_id, total_staked, fee_percentage::TEXT, fee_amount,
	distributable_amount, participant_count, settled_at`

func (s *PostgresStore) GetPool(ctx context.Context, challengeID string) (*model.Pool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE challenge_id = $1`, challengeID))
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", challengeID, mapNoRows(err, model.ErrUnknownChallenge))
	}
	return p, nil
}

func (s *PostgresStore) ListParticipations(ctx context.Context, challengeID string) ([]model.Participation, error) {
	if _, err := s.GetPool(ctx, challengeID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, user_id, stake, joined_at, outcome, metric_value::TEXT, payout, settled_at
		 FROM participations WHERE challenge_id = $1 ORDER BY user_id`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Participation
	for rows.Next() {
		var p model.Participation
		var outcome string
		var metric *string
		if err := rows.Scan(&p.ChallengeID, &p.UserID, &p.Stake, &p.JoinedAt,
			&outcome, &metric, &p.Payout, &p.SettledAt); err != nil {
			return nil, err
		}
		p.Outcome = model.Outcome(outcome)
		if metric != nil {
			v, _ := decimal.NewFromString(*metric)
			p.MetricValue = &v
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Join(ctx context.Context, p *model.Participation, entry *model.LedgerEntry, admit AdmitFunc) (*model.Pool, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if entry.Kind != model.KindStakeEscrow || entry.Escrow != p.Stake || entry.UserID != p.UserID {
		return nil, fmt.Errorf("%w: join entry does not match stake", model.ErrInvalidAmount)
	}

	var out *model.Pool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanChallenge(tx.QueryRow(ctx,
			`SELECT `+challengeColumns+` FROM challenges WHERE id = $1 FOR UPDATE`, p.ChallengeID))
		if err != nil {
			return fmt.Errorf("lock challenge %s: %w", p.ChallengeID, mapNoRows(err, model.ErrUnknownChallenge))
		}
		pool, err := scanPool(tx.QueryRow(ctx,
			`SELECT `+poolColumns+` FROM pools WHERE challenge_id = $1 FOR UPDATE`, p.ChallengeID))
		if err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM participations WHERE challenge_id = $1 AND user_id = $2)`,
			p.ChallengeID, p.UserID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("user %s in challenge %s: %w", p.UserID, p.ChallengeID, model.ErrAlreadyJoined)
		}
		w, err := scanWallet(tx.QueryRow(ctx,
			`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, p.UserID))
		if err != nil {
			return fmt.Errorf("wallet %s: %w", p.UserID, mapNoRows(err, model.ErrUnknownUser))
		}
		if admit != nil {
			if err := admit(c, pool, w); err != nil {
				return err
			}
		}

		if _, err := applyEntry(ctx, tx, entry); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO participations (challenge_id, user_id, stake, joined_at, outcome)
			 VALUES ($1, $2, $3, $4, 'pending')`,
			p.ChallengeID, p.UserID, p.Stake, p.JoinedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("user %s in challenge %s: %w", p.UserID, p.ChallengeID, model.ErrAlreadyJoined)
			}
			return err
		}
		out, err = scanPool(tx.QueryRow(ctx,
			`UPDATE pools SET total_staked = total_staked + $2, participant_count = participant_count + 1
			 WHERE challenge_id = $1 RETURNING `+poolColumns,
			p.ChallengeID, p.Stake))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Release(ctx context.Context, r model.Release) error {
	if r.Entry == nil {
		return fmt.Errorf("%w: release without entry", model.ErrInvalidAmount)
	}
	if err := r.Entry.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx,
			`SELECT status FROM challenges WHERE id = $1 FOR SHARE`, r.ChallengeID).Scan(&status); err != nil {
			return fmt.Errorf("challenge %s: %w", r.ChallengeID, mapNoRows(err, model.ErrUnknownChallenge))
		}
		if model.ChallengeStatus(status) != model.StatusFinalizing {
			return fmt.Errorf("%w: release on %s challenge %s", model.ErrStatusConflict, status, r.ChallengeID)
		}

		var stake int64
		var outcome string
		if err := tx.QueryRow(ctx,
			`SELECT stake, outcome FROM participations
			 WHERE challenge_id = $1 AND user_id = $2 FOR UPDATE`,
			r.ChallengeID, r.UserID).Scan(&stake, &outcome); err != nil {
			return fmt.Errorf("participation %s/%s: %w", r.ChallengeID, r.UserID, mapNoRows(err, model.ErrNotFound))
		}
		if model.Outcome(outcome) != model.OutcomePending {
			return fmt.Errorf("participation %s/%s is %s: %w", r.ChallengeID, r.UserID, outcome, model.ErrAlreadyReleased)
		}
		if r.Entry.Escrow != -stake || r.Entry.UserID != r.UserID {
			return fmt.Errorf("%w: release of %d does not match stake %d", model.ErrInvariantViolation, -r.Entry.Escrow, stake)
		}

		if _, err := applyEntry(ctx, tx, r.Entry); err != nil {
			return err
		}
		var metric *string
		if r.MetricValue != nil {
			v := r.MetricValue.String()
			metric = &v
		}
		_, err := tx.Exec(ctx,
			`UPDATE participations
			 SET outcome = $3, metric_value = $4::NUMERIC, payout = $5, settled_at = $6
			 WHERE challenge_id = $1 AND user_id = $2`,
			r.ChallengeID, r.UserID, string(r.Outcome), metric, r.Entry.Amount, r.At,
		)
		return err
	})
}

func (s *PostgresStore) CompleteSettlement(ctx context.Context, pool *model.Pool, to model.ChallengeStatus, fee *model.LedgerEntry, at time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: complete to %s", model.ErrInvalidTransition, to)
	}
	if fee != nil {
		if err := fee.Validate(); err != nil {
			return err
		}
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx,
			`SELECT status FROM challenges WHERE id = $1 FOR UPDATE`, pool.ChallengeID).Scan(&status); err != nil {
			return fmt.Errorf("challenge %s: %w", pool.ChallengeID, mapNoRows(err, model.ErrUnknownChallenge))
		}
		if model.ChallengeStatus(status) != model.StatusFinalizing {
			return fmt.Errorf("%w: challenge %s is %s, expected %s", model.ErrStatusConflict, pool.ChallengeID, status, model.StatusFinalizing)
		}
		var pending int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM participations WHERE challenge_id = $1 AND outcome = 'pending'`,
			pool.ChallengeID).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d participants still pending", model.ErrInvariantViolation, pending)
		}

		if fee != nil {
			if _, err := applyEntry(ctx, tx, fee); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pools SET fee_amount = $2, distributable_amount = $3, settled_at = $4
			 WHERE challenge_id = $1`,
			pool.ChallengeID, pool.FeeAmount, pool.DistributableAmount, at,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE challenges SET status = $2, status_changed_at = $3 WHERE id = $1`,
			pool.ChallengeID, string(to), at,
		)
		return err
	})
}

// --- Performance samples ---

func (s *PostgresStore) AppendSamples(ctx context.Context, samples []model.Sample) error {
	batch := &pgx.Batch{}
	for _, smp := range samples {
		batch.Queue(
			`INSERT INTO samples (id, user_id, data_type, value, unit, start_time, end_time, source_app)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			smp.ID, smp.UserID, smp.DataType, smp.Value.String(), smp.Unit,
			smp.StartTime, smp.EndTime, smp.SourceApp,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, data_type, value::TEXT, unit, start_time, end_time, source_app
		 FROM samples
		 WHERE user_id = $1 AND data_type = $2 AND start_time >= $3 AND end_time <= $4
		 ORDER BY start_time`, userID, dataType, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		var smp model.Sample
		var valueS string
		if err := rows.Scan(&smp.ID, &smp.UserID, &smp.DataType, &valueS, &smp.Unit,
			&smp.StartTime, &smp.EndTime, &smp.SourceApp); err != nil {
			return nil, err
		}
		smp.Value, _ = decimal.NewFromString(valueS)
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// --- Scanning helpers ---

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	if err := row.Scan(&w.UserID, &w.Available, &w.Escrowed, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanChallenge(row pgx.Row) (*model.Challenge, error) {
	var c model.Challenge
	var targetS, feeS, status string
	if err := row.Scan(&c.ID, &c.Title, &c.MetricType, &targetS, &c.TargetUnit,
		&c.StakeMin, &c.StakeMax, &c.MaxParticipants, &feeS,
		&c.StartAt, &c.EndAt, &status, &c.StatusChangedAt, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.TargetValue, _ = decimal.NewFromString(targetS)
	c.FeePercentage, _ = decimal.NewFromString(feeS)
	c.Status = model.ChallengeStatus(status)
	return &c, nil
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var feeS string
	if err := row.Scan(&p.ChallengeID, &p.TotalStaked, &feeS, &p.FeeAmount,
		&p.DistributableAmount, &p.ParticipantCount, &p.SettledAt); err != nil {
		return nil, err
	}
	p.FeePercentage, _ = decimal.NewFromString(feeS)
	return &p, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.Escrow,
			&e.ChallengeID, &e.OperatorID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func mapNoRows(err, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
