package calc

import (
	"time"

	"github.com/mcclellann/sinkfund/pkg/calendar"
	"github.com/shopspring/decimal"
)

// ContributionInterval is the spacing between scheduled contributions.
const ContributionInterval = 14

type ScheduleInput struct {
	JoinedAt        time.Time
	TermStart       time.Time
	TermEnd         time.Time
	Payday          int
	GracePeriodDays int
	Amount          decimal.Decimal
}

type ScheduledContribution struct {
	ScheduledDate  time.Time
	GracePeriodEnd time.Time
	Amount         decimal.Decimal
}

// ContributionSchedule lists every contribution due between the later of
// JoinedAt and TermStart and TermEnd inclusive. The first date is the next
// payday on or after that anchor; every later one is exactly
// ContributionInterval days after the previous, regardless of payday.
func ContributionSchedule(in ScheduleInput) []ScheduledContribution {
	payday := min(max(in.Payday, 1), 31)
	grace := max(in.GracePeriodDays, 0)
	end := calendar.Date(in.TermEnd)

	anchor := calendar.Later(in.JoinedAt, in.TermStart)
	var out []ScheduledContribution
	for d := calendar.NextPayday(anchor, payday); !d.After(end); d = calendar.AddDays(d, ContributionInterval) {
		out = append(out, ScheduledContribution{
			ScheduledDate:  d,
			GracePeriodEnd: calendar.AddDays(d, grace),
			Amount:         in.Amount,
		})
	}
	return out
}
