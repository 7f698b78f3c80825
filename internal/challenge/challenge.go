// Package challenge manages the challenge lifecycle up to settlement:
// creation, listing and activation once the start time is reached.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/events"
	"github.com/stakefit/settlement-engine/internal/metric"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

// ErrNotStarted is returned when activating before start_at.
var ErrNotStarted = errors.New("challenge has not started")

// CreateRequest is the JSON body for challenge creation.
//
// The goal is either Target ("10000 steps", "5.5 km") or TargetValue with an
// optional TargetUnit. MetricType may be left empty when the target unit
// names exactly one data type.
type CreateRequest struct {
	Title           string          `json:"title"`
	MetricType      string          `json:"metric_type"`
	Target          string          `json:"target"`
	TargetValue     decimal.Decimal `json:"target_value"`
	TargetUnit      string          `json:"target_unit"`
	StakeMin        int64           `json:"stake_min"`
	StakeMax        int64           `json:"stake_max"`
	MaxParticipants int             `json:"max_participants"`
	FeePercentage   decimal.Decimal `json:"fee_percentage"`
	StartAt         time.Time       `json:"start_at"`
	EndAt           time.Time       `json:"end_at"`
	CreatedBy       string          `json:"created_by"`
}

// Service creates and activates challenges.
type Service struct {
	store     store.Store
	registry  *metric.Registry
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates a challenge service. reg defaults to the built-in
// metric registry; pub may be nil.
func NewService(st store.Store, reg *metric.Registry, pub events.Publisher) *Service {
	if reg == nil {
		reg = metric.DefaultRegistry()
	}
	return &Service{
		store:     st,
		registry:  reg,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates and persists a challenge with an empty pool. It starts
// scheduled, or active when start_at has already passed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Challenge, error) {
	now := s.now()
	target, err := s.target(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidChallenge, err)
	}
	if err := validate(req, now); err != nil {
		return nil, err
	}

	status := model.StatusScheduled
	if !now.Before(req.StartAt) {
		status = model.StatusActive
	}
	c := &model.Challenge{
		ID:              uuid.New().String(),
		Title:           strings.TrimSpace(req.Title),
		MetricType:      target.DataType,
		TargetValue:     target.Value,
		TargetUnit:      target.Unit,
		StakeMin:        req.StakeMin,
		StakeMax:        req.StakeMax,
		MaxParticipants: req.MaxParticipants,
		FeePercentage:   req.FeePercentage,
		StartAt:         req.StartAt.UTC(),
		EndAt:           req.EndAt.UTC(),
		Status:          status,
		StatusChangedAt: now,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}

	log.Info().
		Str("challenge_id", c.ID).
		Str("metric", c.MetricType).
		Str("target", c.TargetValue.String()+" "+c.TargetUnit).
		Str("status", string(c.Status)).
		Time("end_at", c.EndAt).
		Msg("challenge created")
	return c, nil
}

func (s *Service) target(req CreateRequest) (metric.Target, error) {
	raw := strings.TrimSpace(req.Target)
	if raw == "" {
		if !req.TargetValue.IsPositive() {
			return metric.Target{}, fmt.Errorf("%w: target is required", metric.ErrInvalidTarget)
		}
		unit := req.TargetUnit
		if unit == "" {
			def, ok := s.registry.Lookup(req.MetricType)
			if !ok {
				return metric.Target{}, fmt.Errorf("%w: unknown metric type %q", metric.ErrInvalidTarget, req.MetricType)
			}
			unit = def.Unit
		}
		raw = req.TargetValue.String() + " " + unit
	}
	return s.registry.ParseTarget(req.MetricType, raw)
}

func validate(req CreateRequest, now time.Time) error {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return fmt.Errorf("%w: title is required", model.ErrInvalidChallenge)
	case req.StakeMin <= 0:
		return fmt.Errorf("%w: stake_min must be positive", model.ErrInvalidChallenge)
	case req.StakeMax < req.StakeMin:
		return fmt.Errorf("%w: stake_max %d below stake_min %d", model.ErrInvalidChallenge, req.StakeMax, req.StakeMin)
	case req.MaxParticipants < 0:
		return fmt.Errorf("%w: max_participants must not be negative", model.ErrInvalidChallenge)
	case req.FeePercentage.IsNegative() || req.FeePercentage.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: fee_percentage %s not in [0, 1)", model.ErrInvalidChallenge, req.FeePercentage)
	case req.StartAt.IsZero() || req.EndAt.IsZero():
		return fmt.Errorf("%w: start_at and end_at are required", model.ErrInvalidChallenge)
	case !req.EndAt.After(req.StartAt):
		return fmt.Errorf("%w: end_at must be after start_at", model.ErrInvalidChallenge)
	case !req.EndAt.After(now):
		return fmt.Errorf("%w: end_at is in the past", model.ErrInvalidChallenge)
	}
	return nil
}

// Get returns a challenge by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Challenge, error) {
	return s.store.GetChallenge(ctx, id)
}

// List returns challenges in the given statuses, all when none are given.
func (s *Service) List(ctx context.Context, statuses ...model.ChallengeStatus) ([]model.Challenge, error) {
	return s.store.ListChallenges(ctx, statuses...)
}

// Activate opens a scheduled challenge for joins once start_at is reached.
// Activating an already active challenge is a no-op.
func (s *Service) Activate(ctx context.Context, id string) (*model.Challenge, error) {
	c, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case model.StatusActive:
		return c, nil
	case model.StatusScheduled:
	default:
		return nil, fmt.Errorf("%w: challenge %s is %s", model.ErrInvalidTransition, c.ID, c.Status)
	}

	now := s.now()
	if now.Before(c.StartAt) {
		return nil, fmt.Errorf("%w: challenge %s starts at %s", ErrNotStarted, c.ID, c.StartAt.Format(time.RFC3339))
	}
	if err := s.store.TransitionChallenge(ctx, c.ID, model.StatusScheduled, model.StatusActive, now); err != nil {
		return nil, err
	}
	c.Status = model.StatusActive
	c.StatusChangedAt = now

	log.Info().Str("challenge_id", c.ID).Msg("challenge activated")
	if s.publisher != nil {
		s.publisher.Publish(events.Event{
			Type:        events.TypeChallengeActive,
			ChallengeID: c.ID,
			Status:      string(c.Status),
		})
	}
	return c, nil
}

// ActivateDue activates every scheduled challenge whose start time has
// passed and returns the IDs activated. Failures are logged and skipped.
func (s *Service) ActivateDue(ctx context.Context) ([]string, error) {
	scheduled, err := s.store.ListChallenges(ctx, model.StatusScheduled)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var activated []string
	for _, c := range scheduled {
		if now.Before(c.StartAt) {
			continue
		}
		if _, err := s.Activate(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("challenge_id", c.ID).Msg("activation failed")
			continue
		}
		activated = append(activated, c.ID)
	}
	return activated, nil
}
