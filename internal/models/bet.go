package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BetResult string

const (
	BetResultPending BetResult = "pending"
	BetResultWin     BetResult = "win"
	BetResultLose    BetResult = "lose"
)

type Bet struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"userId"`
	SessionID      int64           `json:"gameSessionId"`
	SelectedNumber int             `json:"selectedNumber"`
	Amount         decimal.Decimal `json:"betAmount"`
	Result         BetResult       `json:"result"`
	WinningNumber  *int            `json:"winningNumber"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (b *Bet) IsPending() bool {
	return b.Result == BetResultPending
}

// PendingBet is a bet loaded for settlement together with its owner.
type PendingBet struct {
	Bet
	Username string `json:"username"`
}

// BetOutcome is the settled view of one bet.
type BetOutcome struct {
	Bet
	Username   string          `json:"username"`
	Multiplier int64           `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}
