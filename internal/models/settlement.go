package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WinnerSummary aggregates the credits applied to one user in a settlement.
type WinnerSummary struct {
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	Payout   decimal.Decimal `json:"payout"`
	Balance  decimal.Decimal `json:"balance"`
}

// SettlementResult describes what one settleSession call did. When
// AlreadySettled is set nothing was written.
type SettlementResult struct {
	RunID          uuid.UUID       `json:"run_id"`
	Session        GameSession     `json:"session"`
	AlreadySettled bool            `json:"already_settled"`
	Outcomes       []BetOutcome    `json:"outcomes"`
	Winners        []WinnerSummary `json:"winners"`
	TotalStakes    decimal.Decimal `json:"total_stakes"`
	TotalPayouts   decimal.Decimal `json:"total_payouts"`
	SettledAt      time.Time       `json:"settled_at"`
}

// NetRevenue is stakes minus payouts; negative when the house lost.
func (r *SettlementResult) NetRevenue() decimal.Decimal {
	return r.TotalStakes.Sub(r.TotalPayouts)
}

// AffectedUsers returns the owners of settled bets in first-seen order.
func (r *SettlementResult) AffectedUsers() []int64 {
	seen := make(map[int64]bool)
	var users []int64
	for _, o := range r.Outcomes {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			users = append(users, o.UserID)
		}
	}
	return users
}

func (r *SettlementResult) OutcomesFor(userID int64) []BetOutcome {
	var out []BetOutcome
	for _, o := range r.Outcomes {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// SessionSettledEvent is published to the settlement event stream after commit.
type SessionSettledEvent struct {
	RunID         string          `json:"run_id"`
	SessionID     int64           `json:"session_id"`
	GameName      string          `json:"game_name"`
	WinningNumber *int            `json:"winning_number"`
	BetsResolved  int             `json:"bets_resolved"`
	Winners       int             `json:"winners"`
	TotalStakes   decimal.Decimal `json:"total_stakes"`
	TotalPayouts  decimal.Decimal `json:"total_payouts"`
	NetRevenue    decimal.Decimal `json:"net_revenue"`
	SettledAt     time.Time       `json:"settled_at"`
}

func NewSessionSettledEvent(r *SettlementResult) *SessionSettledEvent {
	return &SessionSettledEvent{
		RunID:         r.RunID.String(),
		SessionID:     r.Session.ID,
		GameName:      r.Session.DisplayName(),
		WinningNumber: r.Session.WinningNumber,
		BetsResolved:  len(r.Outcomes),
		Winners:       len(r.Winners),
		TotalStakes:   r.TotalStakes,
		TotalPayouts:  r.TotalPayouts,
		NetRevenue:    r.NetRevenue(),
		SettledAt:     r.SettledAt,
	}
}
