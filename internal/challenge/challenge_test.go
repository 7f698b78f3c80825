package challenge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakefit/settlement-engine/internal/challenge"
	"github.com/stakefit/settlement-engine/internal/events"
	"github.com/stakefit/settlement-engine/internal/metric"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newService(t *testing.T) (*challenge.Service, *store.MemoryStore, *recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &recorder{}
	svc := challenge.NewService(ms, nil, rec)
	svc.SetClock(func() time.Time { return now })
	return svc, ms, rec
}

func validRequest() challenge.CreateRequest {
	return challenge.CreateRequest{
		Title:         "Walk the week",
		MetricType:    metric.Steps,
		Target:        "70000 steps",
		StakeMin:      100,
		StakeMax:      5000,
		FeePercentage: decimal.RequireFromString("0.10"),
		StartAt:       now.Add(24 * time.Hour),
		EndAt:         now.Add(8 * 24 * time.Hour),
	}
}

func TestCreate_Scheduled(t *testing.T) {
	svc, ms, _ := newService(t)

	c, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, model.StatusScheduled, c.Status)
	assert.Equal(t, metric.Steps, c.MetricType)
	assert.True(t, c.TargetValue.Equal(decimal.NewFromInt(70000)))
	assert.Equal(t, "steps", c.TargetUnit)

	p, err := ms.GetPool(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Zero(t, p.TotalStaked)
	assert.True(t, p.FeePercentage.Equal(decimal.RequireFromString("0.10")))
}

func TestCreate_StartedIsActive(t *testing.T) {
	svc, _, _ := newService(t)
	req := validRequest()
	req.StartAt = now.Add(-time.Hour)

	c, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, c.Status)
}

func TestCreate_TargetForms(t *testing.T) {
	svc, _, _ := newService(t)

	tests := []struct {
		name       string
		metricType string
		target     string
		value      string
		unit       string
		wantType   string
		wantValue  string
		wantUnit   string
	}{
		{"unit infers type", "", "5.5 km", "", "", metric.Distance, "5500", "m"},
		{"miles", metric.Distance, "2 mi", "", "", metric.Distance, "3218.688", "m"},
		{"value and unit", metric.Duration, "", "1.5", "h", metric.Duration, "5400", "s"},
		{"value only uses canonical unit", metric.Calories, "", "2500", "", metric.Calories, "2500", "kcal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			req.MetricType = tt.metricType
			req.Target = tt.target
			if tt.value != "" {
				req.TargetValue = decimal.RequireFromString(tt.value)
			}
			req.TargetUnit = tt.unit

			c, err := svc.Create(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, c.MetricType)
			assert.True(t, c.TargetValue.Equal(decimal.RequireFromString(tt.wantValue)), "value %s", c.TargetValue)
			assert.Equal(t, tt.wantUnit, c.TargetUnit)
		})
	}
}

func TestCreate_Invalid(t *testing.T) {
	svc, _, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(*challenge.CreateRequest)
	}{
		{"no title", func(r *challenge.CreateRequest) { r.Title = " " }},
		{"zero stake min", func(r *challenge.CreateRequest) { r.StakeMin = 0 }},
		{"max below min", func(r *challenge.CreateRequest) { r.StakeMax = 50 }},
		{"negative cap", func(r *challenge.CreateRequest) { r.MaxParticipants = -1 }},
		{"fee of 100%", func(r *challenge.CreateRequest) { r.FeePercentage = decimal.NewFromInt(1) }},
		{"negative fee", func(r *challenge.CreateRequest) { r.FeePercentage = decimal.RequireFromString("-0.01") }},
		{"end before start", func(r *challenge.CreateRequest) { r.EndAt = r.StartAt.Add(-time.Hour) }},
		{"ended", func(r *challenge.CreateRequest) {
			r.StartAt = now.Add(-48 * time.Hour)
			r.EndAt = now.Add(-time.Hour)
		}},
		{"no target", func(r *challenge.CreateRequest) { r.Target = "" }},
		{"malformed target", func(r *challenge.CreateRequest) { r.Target = "lots of steps" }},
		{"wrong unit", func(r *challenge.CreateRequest) { r.Target = "10 km" }},
		{"ambiguous unit", func(r *challenge.CreateRequest) {
			r.MetricType = ""
			r.Target = "30 min"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, model.ErrInvalidChallenge)
		})
	}
}

func TestActivate(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = svc.Activate(ctx, c.ID)
	assert.ErrorIs(t, err, challenge.ErrNotStarted)

	svc.SetClock(func() time.Time { return c.StartAt })
	got, err := svc.Activate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	again, err := svc.Activate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, again.Status)

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.TypeChallengeActive, rec.events[0].Type)
	assert.Equal(t, c.ID, rec.events[0].ChallengeID)

	_, err = svc.Activate(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrUnknownChallenge)
}

func TestActivateDue(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	early, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	late := validRequest()
	late.StartAt = now.Add(72 * time.Hour)
	lateC, err := svc.Create(ctx, late)
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return now.Add(48 * time.Hour) })
	ids, err := svc.ActivateDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID}, ids)

	got, _ := svc.Get(ctx, lateC.ID)
	assert.Equal(t, model.StatusScheduled, got.Status)

	active, err := svc.List(ctx, model.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, early.ID, active[0].ID)
}
