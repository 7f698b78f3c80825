// Package events broadcasts settlement lifecycle events to subscribers.
package events

// Event types.
const (
	TypeParticipantJoined = "participant_joined"
	TypeChallengeActive   = "challenge_active"
	TypeChallengeSettled  = "challenge_settled"
	TypeChallengeVoided   = "challenge_voided"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type         string `json:"type"`
	ChallengeID  string `json:"challenge_id"`
	UserID       string `json:"user_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Stake        int64  `json:"stake,omitempty"`
	TotalStaked  int64  `json:"total_staked,omitempty"`
	Participants int    `json:"participants,omitempty"`
	WinnersCount int    `json:"winners_count,omitempty"`
	PrizePool    int64  `json:"prize_pool,omitempty"`
	FeeAmount    int64  `json:"fee_amount,omitempty"`
}

// Publisher delivers events. Publish must not block the caller.
type Publisher interface {
	Publish(Event)
}
