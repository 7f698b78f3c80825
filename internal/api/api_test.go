package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/api"
	"github.com/stakefit/settlement-engine/internal/challenge"
	"github.com/stakefit/settlement-engine/internal/evaluator"
	"github.com/stakefit/settlement-engine/internal/ledger"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/pool"
	"github.com/stakefit/settlement-engine/internal/settlement"
	"github.com/stakefit/settlement-engine/internal/store"
	"github.com/stakefit/settlement-engine/internal/wallet"
)

type testEnv struct {
	ms     *store.MemoryStore
	router chi.Router
	start  time.Time
	end    time.Time
}

// newTestEnv wires the handlers over an in-memory store. Joins happen
// before end; settlement runs after it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	start := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	end := start.Add(2 * time.Hour)

	challenges := challenge.NewService(ms, nil, nil)
	challenges.SetClock(func() time.Time { return start.Add(time.Minute) })
	pools := pool.NewService(ms, pool.NewExposureLimiter(0), nil)
	pools.SetClock(func() time.Time { return start.Add(time.Minute) })
	wallets := wallet.NewService(ms, ledger.New(ms))
	eng := settlement.NewEngine(ms, evaluator.NewStoreSource(ms), nil, settlement.DefaultConfig())
	eng.SetClock(func() time.Time { return end.Add(time.Minute) })

	r := chi.NewRouter()
	api.NewHandler(ms, challenges, pools, wallets, eng, nil).Register(r)
	return &testEnv{ms: ms, router: r, start: start, end: end}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createChallenge(t *testing.T, maxParticipants int) model.Challenge {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/challenges", challenge.CreateRequest{
		Title:           "10k steps",
		MetricType:      "steps",
		Target:          "10000 steps",
		StakeMin:        50,
		StakeMax:        500,
		MaxParticipants: maxParticipants,
		FeePercentage:   decimal.RequireFromString("0.10"),
		StartAt:         e.start,
		EndAt:           e.end,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create challenge: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var c model.Challenge
	json.Unmarshal(w.Body.Bytes(), &c)
	return c
}

func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	if w := e.do(t, http.MethodPost, "/api/v1/wallets/"+userID, nil); w.Code != http.StatusCreated {
		t.Fatalf("open wallet: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if amount == 0 {
		return
	}
	w := e.do(t, http.MethodPost, "/api/v1/wallets/"+userID+"/deposit", api.FundsRequest{Amount: amount, Reference: "psp"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) join(t *testing.T, challengeID, userID string, stake int64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/challenges/"+challengeID+"/join", api.JoinRequest{UserID: userID, Stake: stake})
}

func (e *testEnv) steps(t *testing.T, userID, value string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/samples", api.IngestRequest{Samples: []api.SampleInput{{
		UserID:    userID,
		DataType:  "steps",
		Value:     decimal.RequireFromString(value),
		Unit:      "steps",
		StartTime: e.start.Add(5 * time.Minute),
		EndTime:   e.start.Add(10 * time.Minute),
		SourceApp: "test",
	}}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest: expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	if body["error"] == "" {
		t.Errorf("error body missing message: %s", w.Body.String())
	}
	return body["code"]
}

func TestJoinAndFinalize(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, 0)

	for _, u := range []string{"alice", "bob", "carol"} {
		env.fund(t, u, 100)
		w := env.join(t, c.ID, u, 100)
		if w.Code != http.StatusCreated {
			t.Fatalf("join %s: expected 201, got %d: %s", u, w.Code, w.Body.String())
		}
	}
	env.steps(t, "alice", "12000")
	env.steps(t, "bob", "12000")
	env.steps(t, "carol", "5000")

	w := env.do(t, http.MethodPost, "/api/v1/challenges/"+c.ID+"/finalize", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res model.SettlementResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != model.StatusSettled || res.WinnersCount != 2 || res.PrizePool != 270 || res.FeeAmount != 30 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Replay returns the same result.
	w = env.do(t, http.MethodPost, "/api/v1/challenges/"+c.ID+"/finalize", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w.Code)
	}
	var again model.SettlementResult
	json.Unmarshal(w.Body.Bytes(), &again)
	if again.PrizePool != res.PrizePool || again.Payouts["alice"] != 135 {
		t.Errorf("replay differs: %+v", again)
	}

	w = env.do(t, http.MethodGet, "/api/v1/wallets/alice", nil)
	var wl model.Wallet
	json.Unmarshal(w.Body.Bytes(), &wl)
	if wl.Available != 135 || wl.Escrowed != 0 {
		t.Errorf("alice wallet = %+v, want 135 available", wl)
	}

	w = env.do(t, http.MethodGet, "/api/v1/challenges/"+c.ID+"/result", nil)
	if w.Code != http.StatusOK {
		t.Errorf("result: expected 200, got %d", w.Code)
	}
}

func TestJoin_Errors(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, 1)
	env.fund(t, "rich", 1000)
	env.fund(t, "poor", 10)
	env.fund(t, "late", 1000)

	tests := []struct {
		name   string
		user   string
		stake  int64
		status int
		code   string
	}{
		{"below min", "rich", 10, http.StatusBadRequest, "stake_out_of_range"},
		{"insufficient", "poor", 60, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"ok", "rich", 100, http.StatusCreated, ""},
		{"twice", "rich", 100, http.StatusConflict, "already_joined"},
		{"full", "late", 100, http.StatusConflict, "challenge_full"},
		{"unknown user", "ghost", 100, http.StatusNotFound, "unknown_user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.join(t, c.ID, tt.user, tt.stake)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.code != "" {
				if got := errorCode(t, w); got != tt.code {
					t.Errorf("code = %q, want %q", got, tt.code)
				}
			}
		})
	}

	w := env.join(t, "missing", "rich", 100)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown challenge: expected 404, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/challenges/"+c.ID+"/join", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", w.Code)
	}
}

func TestJoin_ScheduledIsNotActive(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	if err := env.ms.CreateChallenge(context.Background(), &model.Challenge{
		ID: "later", Title: "later", MetricType: "steps", TargetValue: decimal.NewFromInt(1),
		StakeMin: 1, StakeMax: 100, Status: model.StatusScheduled,
		StartAt: now.Add(time.Hour), EndAt: now.Add(2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	env.fund(t, "alice", 100)

	w := env.join(t, "later", "alice", 50)
	if w.Code != http.StatusConflict || errorCode(t, w) != "challenge_not_active" {
		t.Fatalf("expected 409 challenge_not_active, got %d: %s", w.Code, w.Body.String())
	}
}

func TestFinalize_Errors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/challenges/missing/finalize", nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != "unknown_challenge" {
		t.Errorf("unknown: expected 404, got %d: %s", w.Code, w.Body.String())
	}

	c := env.createChallenge(t, 0)
	env.fund(t, "alice", 100)
	env.join(t, c.ID, "alice", 100)
	if err := env.ms.TransitionChallenge(context.Background(), c.ID, model.StatusActive, model.StatusFinalizing, env.end.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	w = env.do(t, http.MethodPost, "/api/v1/challenges/"+c.ID+"/finalize", nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "already_in_progress" {
		t.Errorf("in progress: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/challenges/"+c.ID+"/result", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("result of unsettled: expected 409, got %d", w.Code)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, 0)
	env.fund(t, "alice", 200)
	env.join(t, c.ID, "alice", 150)

	w := env.do(t, http.MethodPost, "/api/v1/challenges/"+c.ID+"/cancel", api.CancelRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing operator: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/challenges/"+c.ID+"/cancel", api.CancelRequest{OperatorID: "ops-7"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res model.SettlementResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != model.StatusVoid {
		t.Errorf("status = %s, want void", res.Status)
	}

	w = env.do(t, http.MethodGet, "/api/v1/wallets/alice", nil)
	var wl model.Wallet
	json.Unmarshal(w.Body.Bytes(), &wl)
	if wl.Available != 200 {
		t.Errorf("available = %d, want 200 after refund", wl.Available)
	}
}

func TestChallenges_CreateListGet(t *testing.T) {
	env := newTestEnv(t)
	c := env.createChallenge(t, 0)

	w := env.do(t, http.MethodGet, "/api/v1/challenges/"+c.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/challenges?status=active", nil)
	var list []model.Challenge
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != c.ID {
		t.Errorf("active list = %+v", list)
	}

	w = env.do(t, http.MethodGet, "/api/v1/challenges?status=settled", nil)
	list = nil
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 0 {
		t.Errorf("settled list should be empty, got %d", len(list))
	}

	w = env.do(t, http.MethodPost, "/api/v1/challenges", challenge.CreateRequest{Title: "broken", Target: "fast"})
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_challenge" {
		t.Errorf("invalid create: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/challenges/"+c.ID+"/pool", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"participations"`) {
		t.Errorf("pool: got %d: %s", w.Code, w.Body.String())
	}
}

func TestWallets(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 500)

	w := env.do(t, http.MethodPost, "/api/v1/wallets/alice/withdraw", api.FundsRequest{Amount: 800})
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != "insufficient_funds" {
		t.Errorf("overdraw: expected 422, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/api/v1/wallets/alice/deposit", api.FundsRequest{Amount: -1})
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_amount" {
		t.Errorf("negative deposit: expected 400, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, "/api/v1/wallets/alice/withdraw", api.FundsRequest{Amount: 200, Reference: "payout-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/wallets/alice/ledger?limit=1", nil)
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Kind != model.KindWithdraw || entries[0].Amount != -200 {
		t.Errorf("ledger = %+v", entries)
	}
	w = env.do(t, http.MethodGet, "/api/v1/wallets/alice/ledger?limit=x", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/wallets/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown wallet: expected 404, got %d", w.Code)
	}
}

func TestIngestSamples_Validation(t *testing.T) {
	env := newTestEnv(t)
	t0 := env.start

	tests := []struct {
		name string
		in   api.SampleInput
	}{
		{"no user", api.SampleInput{DataType: "steps", StartTime: t0, EndTime: t0}},
		{"negative", api.SampleInput{UserID: "a", DataType: "steps", Value: decimal.NewFromInt(-1), StartTime: t0, EndTime: t0}},
		{"reversed", api.SampleInput{UserID: "a", DataType: "steps", StartTime: t0, EndTime: t0.Add(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/samples", api.IngestRequest{Samples: []api.SampleInput{tt.in}})
			if w.Code != http.StatusBadRequest || errorCode(t, w) != "invalid_sample" {
				t.Errorf("expected 400 invalid_sample, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	w := env.do(t, http.MethodPost, "/api/v1/samples", api.IngestRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: expected 400, got %d", w.Code)
	}
}
