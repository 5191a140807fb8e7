package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageGameSessionEnd       MessageType = "gameSessionEnd"
	MessageActiveSessionsUpdate MessageType = "activeSessionsUpdate"
	MessageGameResult           MessageType = "gameResult"
	MessageWinNotification      MessageType = "winNotification"
	MessageBalanceUpdate        MessageType = "balanceUpdate"
	MessageUserBalanceUpdate    MessageType = "userBalanceUpdate"
	MessagePong                 MessageType = "pong"
)

// Notification is the envelope written to subscribers.
type Notification struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SessionEndedPayload struct {
	SessionID     int64  `json:"sessionId"`
	WinningNumber *int   `json:"winningNumber"`
	GameName      string `json:"gameName"`
	Message       string `json:"message,omitempty"`
}

type ActiveSessionsPayload struct {
	Sessions []GameSession `json:"sessions"`
}

// GameResultSummary is the per-user headline of a settled session.
type GameResultSummary struct {
	UserID        int64           `json:"userId"`
	GameSessionID int64           `json:"gameSessionId"`
	GameName      string          `json:"gameName"`
	WinningNumber int             `json:"winningNumber"`
	Result        BetResult       `json:"result"`
	TotalStake    decimal.Decimal `json:"totalStake"`
	TotalPayout   decimal.Decimal `json:"totalPayout"`
}

type GameResultPayload struct {
	Game     GameResultSummary `json:"game"`
	UserBets []Bet             `json:"userBets,omitempty"`
}

type WinNotificationPayload struct {
	Message string `json:"message"`
}

type BalanceUpdatePayload struct {
	Balance decimal.Decimal `json:"balance"`
}

type UserBalanceUpdatePayload struct {
	UserID  int64           `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func NewPong() *Notification {
	return &Notification{
		Type:    MessagePong,
		Payload: PongPayload{Timestamp: time.Now().Unix()},
	}
}
