package calc

import (
	"github.com/mcclellann/sinkfund/pkg/money"
	"github.com/shopspring/decimal"
)

// Split is the portion of one payment applied to a loan.
type Split struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	// Total is the effective payment after clipping to the remaining balance.
	Total decimal.Decimal `json:"total"`
	// Remaining is the balance left once Total is applied.
	Remaining   decimal.Decimal `json:"remaining"`
	FullyRepaid bool            `json:"fully_repaid"`
}

// SplitRepayment divides payment between principal and interest in the same
// ratio as the loan's total due. Any amount above the remaining balance is
// dropped, so Total can be less than payment. A loan with nothing due yields
// an all-zero split.
func SplitRepayment(amount, totalInterest, repaid, payment decimal.Decimal) Split {
	totalDue := amount.Add(totalInterest)
	if !totalDue.IsPositive() {
		return Split{Principal: decimal.Zero, Interest: decimal.Zero, Total: decimal.Zero, Remaining: decimal.Zero}
	}

	remaining := totalDue.Sub(repaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	effective := money.Min(payment, remaining)
	if effective.IsNegative() {
		effective = decimal.Zero
	}

	ratio := effective.Div(totalDue)
	left := remaining.Sub(effective)
	return Split{
		Principal:   money.Round(amount.Mul(ratio)),
		Interest:    money.Round(totalInterest.Mul(ratio)),
		Total:       effective,
		Remaining:   left,
		FullyRepaid: repaid.Add(effective).GreaterThanOrEqual(totalDue),
	}
}
