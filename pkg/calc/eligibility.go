// Package calc holds the pure financial calculators: loan eligibility,
// repayment split, contribution schedule and year-end distribution.
//
// Nothing here performs I/O or returns an error. Degenerate inputs produce
// zero values and callers decide whether that is acceptable.
package calc

import (
	"time"

	"github.com/mcclellann/sinkfund/pkg/calendar"
	"github.com/mcclellann/sinkfund/pkg/money"
	"github.com/shopspring/decimal"
)

type EligibilityMethod string

const (
	MethodTotalContributions      EligibilityMethod = "total_contributions"
	MethodAnnualSavingsPercentage EligibilityMethod = "annual_savings_percentage"
)

const (
	// MinActiveMonths is the tenure at which the annual-savings limit replaces
	// the total-contributions limit.
	MinActiveMonths = 6
	// PaymentsPerYear is the number of bi-weekly contributions counted as a year.
	PaymentsPerYear = 24
)

var (
	paymentsPerYear  = decimal.NewFromInt(PaymentsPerYear)
	paymentsPerMonth = decimal.NewFromInt(2)
)

type EligibilityInput struct {
	BiWeeklyContribution decimal.Decimal
	TotalContributions   decimal.Decimal
	JoinedAt             time.Time
	MaxLoanPercent       decimal.Decimal
}

type EligibilityBreakdown struct {
	TotalContributions decimal.Decimal   `json:"total_contributions"`
	AnnualSavingsLimit decimal.Decimal   `json:"annual_savings_limit"`
	Method             EligibilityMethod `json:"method"`
}

type Eligibility struct {
	MaxLoanAmount        decimal.Decimal      `json:"max_loan_amount"`
	MonthlyContribution  decimal.Decimal      `json:"monthly_contribution"`
	AverageAnnualSavings decimal.Decimal      `json:"average_annual_savings"`
	ActiveMonths         int                  `json:"active_months"`
	Breakdown            EligibilityBreakdown `json:"breakdown"`
}

// ComputeEligibility returns the maximum borrowable amount for a member at now.
// Members with fewer than MinActiveMonths may borrow up to what they have paid
// in; after that the limit is a percentage of a year's scheduled savings, even
// when that is lower.
func ComputeEligibility(in EligibilityInput, now time.Time) Eligibility {
	activeMonths := calendar.ActiveMonths(in.JoinedAt, now)
	annualSavings := in.BiWeeklyContribution.Mul(paymentsPerYear)
	limit := money.Round(money.Percent(annualSavings, in.MaxLoanPercent))

	e := Eligibility{
		MonthlyContribution:  money.Round(in.BiWeeklyContribution.Mul(paymentsPerMonth)),
		AverageAnnualSavings: decimal.Zero,
		ActiveMonths:         activeMonths,
		Breakdown: EligibilityBreakdown{
			TotalContributions: in.TotalContributions,
			AnnualSavingsLimit: limit,
		},
	}

	if activeMonths < MinActiveMonths {
		e.MaxLoanAmount = money.Round(in.TotalContributions)
		e.Breakdown.Method = MethodTotalContributions
		return e
	}

	e.AverageAnnualSavings = money.Round(annualSavings)
	e.MaxLoanAmount = limit
	e.Breakdown.Method = MethodAnnualSavingsPercentage
	return e
}
