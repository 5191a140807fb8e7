package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func IntPtr(n int) *int {
	return &n
}

func Int64Ptr(n int64) *int64 {
	return &n
}

func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func WinMessage(payout decimal.Decimal) string {
	return fmt.Sprintf("You won %s Rs! Your winnings have been added to your wallet.", FormatAmount(payout))
}

func SessionEndedMessage(s *GameSession) string {
	return fmt.Sprintf("Session %d (%s) has ended automatically with no winning number set.", s.ID, s.DisplayName())
}

// EndSessionDetails is the admin log text written when a session is ended.
func EndSessionDetails(s *GameSession, adminID *int64) string {
	prefix := "Game session auto-ended"
	if adminID != nil {
		prefix = "Game session ended by admin"
	}
	if s.WinningNumber == nil {
		return fmt.Sprintf("%s: %s (no winning number set)", prefix, s.DisplayName())
	}
	return fmt.Sprintf("%s: %s, Winning number: %d", prefix, s.DisplayName(), *s.WinningNumber)
}
