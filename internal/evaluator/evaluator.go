// Package evaluator turns a participant's fitness samples into one metric
// value and decides pass/fail against a challenge target.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stakefit/settlement-engine/internal/metric"
	"github.com/stakefit/settlement-engine/internal/metrics"
	"github.com/stakefit/settlement-engine/internal/model"
)

// ErrUnavailable means no usable samples exist in the challenge window.
// It is a loss, never a win by default.
var ErrUnavailable = errors.New("evaluator: performance data unavailable")

// Evaluator aggregates samples per the metric registry.
type Evaluator struct {
	source      SampleSource
	registry    *metric.Registry
	timeout     time.Duration
	parallelism int
}

// New creates an evaluator. timeout bounds each source call; parallelism
// bounds concurrent evaluations in DetermineOutcome.
func New(src SampleSource, reg *metric.Registry, timeout time.Duration, parallelism int) *Evaluator {
	if reg == nil {
		reg = metric.DefaultRegistry()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Evaluator{source: src, registry: reg, timeout: timeout, parallelism: parallelism}
}

// Evaluate returns the user's aggregated metric for the challenge window,
// in the metric's canonical unit. Only samples lying fully inside
// [start_at, end_at] count, each sample id at most once.
func (e *Evaluator) Evaluate(ctx context.Context, c *model.Challenge, userID string) (decimal.Decimal, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	window := model.Window{Start: c.StartAt, End: c.EndAt}
	samples, err := e.source.FetchSamples(ctx, userID, c.MetricType, window)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		return decimal.Zero, fmt.Errorf("evaluate %s for %s: %w", c.MetricType, userID, err)
	}

	def, _ := e.registry.Lookup(c.MetricType)
	values := make([]decimal.Decimal, 0, len(samples))
	seen := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		if s.DataType != c.MetricType || !window.Contains(s.StartTime, s.EndTime) {
			continue
		}
		// A sample delivered twice counts once.
		if s.ID != "" {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
		}
		v, err := def.ToCanonical(s.Value, s.Unit)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("sample_id", s.ID).Msg("sample skipped")
			continue
		}
		values = append(values, v)
	}

	value, ok := def.Aggregation.Apply(values)
	if !ok {
		metrics.EvaluationsTotal.WithLabelValues("unavailable").Inc()
		return decimal.Zero, ErrUnavailable
	}
	metrics.EvaluationsTotal.WithLabelValues("ok").Inc()
	return value, nil
}

// Result is one participant's evaluated outcome. Value is nil when no
// data was available.
type Result struct {
	UserID  string           `json:"user_id"`
	Outcome model.Outcome    `json:"outcome"`
	Value   *decimal.Decimal `json:"value,omitempty"`
}

// Target returns the challenge target in the metric's canonical unit.
func (e *Evaluator) Target(c *model.Challenge) (decimal.Decimal, error) {
	def, _ := e.registry.Lookup(c.MetricType)
	return def.ToCanonical(c.TargetValue, c.TargetUnit)
}

// DetermineOutcome evaluates every user concurrently. A user wins iff the
// value reaches the target (inclusive); unavailable data is a loss. Any
// other evaluation error aborts the whole determination.
func (e *Evaluator) DetermineOutcome(ctx context.Context, c *model.Challenge, userIDs []string) ([]Result, error) {
	target, err := e.Target(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidChallenge, err)
	}

	results := make([]Result, len(userIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, uid := range userIDs {
		i, uid := i, uid
		g.Go(func() error {
			value, err := e.Evaluate(gctx, c, uid)
			switch {
			case errors.Is(err, ErrUnavailable):
				results[i] = Result{UserID: uid, Outcome: model.OutcomeLost}
				return nil
			case err != nil:
				return err
			}
			outcome := model.OutcomeLost
			if value.GreaterThanOrEqual(target) {
				outcome = model.OutcomeWon
			}
			results[i] = Result{UserID: uid, Outcome: outcome, Value: &value}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
