package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/calc"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/store"
)

// ComputeYearEndDistribution previews the group's year-end payouts. Any
// member may preview; nothing is written.
func (l *Ledger) ComputeYearEndDistribution(ctx context.Context, actor *models.Identity, groupID string) (*calc.Distribution, error) {
	if _, err := l.membership(ctx, actor, groupID); err != nil {
		return nil, err
	}
	d, _, err := l.distribution(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (l *Ledger) distribution(ctx context.Context, groupID string) (*calc.Distribution, []*models.Loan, error) {
	members, err := l.storage.ListMembers(ctx, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list members: %w", err)
	}
	contributions, err := l.storage.ListContributions(ctx, store.ContributionFilter{GroupID: groupID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	loans, err := l.storage.ListLoans(ctx, store.LoanFilter{GroupID: groupID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list loans: %w", err)
	}
	d := calc.YearEndDistribution(members, contributions, loans)
	return &d, loans, nil
}

// ExecuteYearEndDistribution finalizes the distribution and tells every member
// their payout. It requires the group's year-end date to have passed and every
// loan to be settled, and succeeds at most once per group. No funds move.
func (l *Ledger) ExecuteYearEndDistribution(ctx context.Context, actor *models.Identity, groupID string) (*calc.Distribution, error) {
	if _, err := l.requireAdmin(ctx, actor, groupID); err != nil {
		return nil, err
	}
	g, err := l.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	now := l.clock()
	switch {
	case g.Settings.DistributionExecutedAt != nil:
		return nil, apperr.Conflict("year-end distribution was already executed on %s", g.Settings.DistributionExecutedAt.Format("Jan 2, 2006"))
	case g.Settings.YearEndDate == nil:
		return nil, apperr.Validation("group has no year-end date")
	case !now.After(*g.Settings.YearEndDate):
		return nil, apperr.Conflict("year-end date %s has not passed", g.Settings.YearEndDate.Format("Jan 2, 2006"))
	}

	d, loans, err := l.distribution(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, loan := range loans {
		if loan.Status.IsActive() {
			return nil, apperr.Conflict("all loans must be settled before distribution, loan %s is %s", loan.ID, loan.Status)
		}
	}

	if err := l.storage.MarkDistributionExecuted(ctx, groupID, now); err != nil {
		return nil, fmt.Errorf("failed to mark distribution executed: %w", err)
	}
	slog.Info("Year-end distribution executed",
		"group_id", groupID,
		"pool", d.TotalPool.StringFixed(2),
		"interest", d.TotalInterestEarned.StringFixed(2),
		"members", len(d.Payouts))

	for _, p := range d.Payouts {
		l.send(ctx, []string{p.UserID}, models.NotificationYearEnd,
			"Year-end distribution",
			fmt.Sprintf("Your year-end payout from %s is %s: %s contributed plus %s interest share. %s.",
				g.Name, p.TotalPayout.StringFixed(2), p.ContributionAmount.StringFixed(2), p.InterestShare.StringFixed(2), p.Reason),
			"/groups/"+groupID+"/distribution")
	}
	return d, nil
}
