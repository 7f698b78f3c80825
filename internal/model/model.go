// Package model defines the core domain types shared across the settlement engine.
// All monetary values are integer cents (int64). Percentages, targets and metric
// values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// HouseUserID is the platform treasury wallet that receives settlement fees.
const HouseUserID = "platform"

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindDeposit      EntryKind = "deposit"
	KindWithdraw     EntryKind = "withdraw"
	KindStakeEscrow  EntryKind = "stake_escrow"
	KindStakeRefund  EntryKind = "stake_refund"
	KindPrizeCredit  EntryKind = "prize_credit"
	KindFeeDebit     EntryKind = "fee_debit"
	KindStakeForfeit EntryKind = "stake_forfeit"
)

// LedgerEntry is an immutable record of a balance movement.
// Once created, these are never modified or deleted.
//
// Amount is the signed effect on the available bucket, Escrow the signed
// effect on the escrowed bucket. The user's balance is the sum of both legs
// over all entries.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Kind        EntryKind `json:"kind"`
	Amount      int64     `json:"amount"`
	Escrow      int64     `json:"escrow"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	OperatorID  string    `json:"operator_id,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Total is the entry's signed effect on the balance.
func (e LedgerEntry) Total() int64 { return e.Amount + e.Escrow }

// Wallet is the per-user funds projection derived from the ledger.
type Wallet struct {
	UserID    string    `json:"user_id"`
	Available int64     `json:"available"`
	Escrowed  int64     `json:"escrowed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balance is available plus escrowed.
func (w Wallet) Balance() int64 { return w.Available + w.Escrowed }

// ChallengeStatus is the settlement lifecycle state of a challenge.
type ChallengeStatus string

const (
	StatusScheduled  ChallengeStatus = "scheduled"
	StatusActive     ChallengeStatus = "active"
	StatusFinalizing ChallengeStatus = "finalizing"
	StatusSettled    ChallengeStatus = "settled"
	StatusVoid       ChallengeStatus = "void"
)

// Terminal reports whether no further transitions are allowed.
func (s ChallengeStatus) Terminal() bool {
	return s == StatusSettled || s == StatusVoid
}

var transitions = map[ChallengeStatus][]ChallengeStatus{
	StatusScheduled:  {StatusActive, StatusVoid},
	StatusActive:     {StatusFinalizing, StatusVoid},
	StatusFinalizing: {StatusSettled, StatusVoid, StatusActive},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to ChallengeStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Challenge is a threshold fitness challenge users stake on.
type Challenge struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	MetricType      string          `json:"metric_type"` // sample data_type, e.g. "steps"
	TargetValue     decimal.Decimal `json:"target_value"`
	TargetUnit      string          `json:"target_unit"`
	StakeMin        int64           `json:"stake_min"`
	StakeMax        int64           `json:"stake_max"`
	MaxParticipants int             `json:"max_participants"` // 0 = unlimited
	FeePercentage   decimal.Decimal `json:"fee_percentage"`   // fraction, 0.10 = 10%
	StartAt         time.Time       `json:"start_at"`
	EndAt           time.Time       `json:"end_at"`
	Status          ChallengeStatus `json:"status"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Outcome is a participation's settlement result.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeWon      Outcome = "won"
	OutcomeLost     Outcome = "lost"
	OutcomeRefunded Outcome = "refunded"
)

// Participation is one user's stake in one challenge.
type Participation struct {
	ChallengeID string           `json:"challenge_id"`
	UserID      string           `json:"user_id"`
	Stake       int64            `json:"stake"`
	JoinedAt    time.Time        `json:"joined_at"`
	Outcome     Outcome          `json:"outcome"`
	MetricValue *decimal.Decimal `json:"metric_value,omitempty"`
	Payout      int64            `json:"payout"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
}

// Pool is the escrow accumulator for one challenge.
type Pool struct {
	ChallengeID         string          `json:"challenge_id"`
	TotalStaked         int64           `json:"total_staked"`
	FeePercentage       decimal.Decimal `json:"fee_percentage"`
	FeeAmount           int64           `json:"fee_amount"`
	DistributableAmount int64           `json:"distributable_amount"`
	ParticipantCount    int             `json:"participant_count"`
	SettledAt           *time.Time      `json:"settled_at,omitempty"`
}

// Sample is an ingested fitness measurement over a time range.
type Sample struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	DataType  string          `json:"data_type"`
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	SourceApp string          `json:"source_app"`
}

// Window is a closed time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether [from, to] lies fully inside the window.
func (w Window) Contains(from, to time.Time) bool {
	return !from.Before(w.Start) && !to.After(w.End)
}

// Release describes one participant's settlement: its final outcome, the
// amount credited to available, and the ledger entry posted with it.
type Release struct {
	ChallengeID string
	UserID      string
	Outcome     Outcome
	MetricValue *decimal.Decimal
	Entry       *LedgerEntry
	At          time.Time
}

// SettlementResult is the externally visible outcome of finalization.
type SettlementResult struct {
	ChallengeID  string           `json:"challenge_id"`
	Status       ChallengeStatus  `json:"status"`
	WinnersCount int              `json:"winners_count"`
	PrizePool    int64            `json:"prize_pool"`
	FeeAmount    int64            `json:"fee_amount"`
	TotalStaked  int64            `json:"total_staked"`
	Payouts      map[string]int64 `json:"payouts,omitempty"`
}
