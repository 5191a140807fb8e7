package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeBet      TransactionType = "bet"
	TransactionTypeWin      TransactionType = "win"
	TransactionTypeDeposit  TransactionType = "deposit"
	TransactionTypeWithdraw TransactionType = "withdraw"
)

// Transaction is an append-only wallet movement. Every balance change is
// paired with exactly one of these.
type Transaction struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Type      TransactionType `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	SessionID *int64          `json:"game_session_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type AdminAction string

const (
	AdminActionSetWinningNumber AdminAction = "set_winning_number"
	AdminActionEndGameSession   AdminAction = "end_game_session"
	AdminActionHostGameSession  AdminAction = "host_game_session"
)

// AdminLog is an audit entry. AdminID is nil for system-initiated actions.
type AdminLog struct {
	ID        int64       `json:"id"`
	AdminID   *int64      `json:"admin_id"`
	Action    AdminAction `json:"action"`
	Details   string      `json:"details"`
	CreatedAt time.Time   `json:"created_at"`
}
