package services

import (
	"github.com/shopspring/decimal"

	"numbers-betting-backend/internal/models"
)

const (
	MinNumber = 0
	MaxNumber = 99

	SingleDigitMultiplier = 9
	DoubleDigitMultiplier = 85
)

// Evaluation is the policy verdict for one bet.
type Evaluation struct {
	Result     models.BetResult
	Multiplier int64
	Payout     decimal.Decimal
}

func (e Evaluation) Won() bool {
	return e.Result == models.BetResultWin
}

func ValidNumber(n int) bool {
	return n >= MinNumber && n <= MaxNumber
}

// Multiplier returns the payout ratio for a winning number: 9x for 0-9,
// 85x for 10-99.
func Multiplier(winning int) int64 {
	if winning >= 0 && winning <= 9 {
		return SingleDigitMultiplier
	}
	return DoubleDigitMultiplier
}

// Evaluate resolves a bet against the winning number. Numbers are compared
// as integers, so 7 and 07 are the same pick.
func Evaluate(selected, winning int, stake decimal.Decimal) Evaluation {
	if selected != winning {
		return Evaluation{
			Result: models.BetResultLose,
			Payout: decimal.Zero,
		}
	}

	multiplier := Multiplier(winning)
	return Evaluation{
		Result:     models.BetResultWin,
		Multiplier: multiplier,
		Payout:     stake.Mul(decimal.NewFromInt(multiplier)),
	}
}
