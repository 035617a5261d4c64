package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/calc"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/shopspring/decimal"
)

// GenerateContributions schedules the bi-weekly contributions of every member
// of every group through the end of the group's term. Existing
// (member, date) pairs are left alone, so re-running it is a no-op. Each
// member who gets new contributions is sent one CONTRIBUTION_DUE notice.
// It returns the number of contributions created.
func (l *Ledger) GenerateContributions(ctx context.Context) (int, error) {
	groups, err := l.storage.ListGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list groups: %w", err)
	}

	created := 0
	var errs []error
	for _, g := range groups {
		members, err := l.storage.ListMembers(ctx, g.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list members of group %s: %w", g.ID, err))
			continue
		}
		for _, m := range members {
			n, first, err := l.generateFor(ctx, g, m)
			created += n
			if err != nil {
				errs = append(errs, err)
			}
			if n > 0 {
				l.send(ctx, []string{m.UserID}, models.NotificationContributionDue,
					"Contributions scheduled",
					fmt.Sprintf("%d contribution(s) of %s were scheduled in %s. The next one is due on %s.",
						n, m.BiWeeklyContribution.StringFixed(2), g.Name, first.ScheduledDate.Format("Jan 2, 2006")),
					groupContributionsLink(g.ID))
			}
		}
	}

	slog.Info("Contribution generation complete", "created", created, "groups", len(groups))
	return created, errors.Join(errs...)
}

func (l *Ledger) generateFor(ctx context.Context, g *models.Group, m *models.Member) (int, *models.Contribution, error) {
	schedule := calc.ContributionSchedule(calc.ScheduleInput{
		JoinedAt:        m.JoinedAt,
		TermStart:       g.Settings.TermStartDate,
		TermEnd:         g.Settings.TermEndDate,
		Payday:          m.PersonalPayday,
		GracePeriodDays: g.Settings.GracePeriodDays,
		Amount:          m.BiWeeklyContribution,
	})

	created := 0
	var first *models.Contribution
	for _, s := range schedule {
		exists, err := l.storage.ContributionExists(ctx, m.ID, s.ScheduledDate)
		if err != nil {
			return created, first, fmt.Errorf("failed to check contribution for member %s: %w", m.ID, err)
		}
		if exists {
			continue
		}

		now := l.clock()
		c := &models.Contribution{
			ID:             uuid.New().String(),
			GroupID:        g.ID,
			MemberID:       m.ID,
			ScheduledDate:  s.ScheduledDate,
			Amount:         s.Amount,
			GracePeriodEnd: s.GracePeriodEnd,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := l.storage.CreateContribution(ctx, c); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				// created concurrently by another run
				continue
			}
			return created, first, fmt.Errorf("failed to store contribution for member %s: %w", m.ID, err)
		}
		created++
		if first == nil {
			first = c
		}
	}
	return created, first, nil
}

// CheckMissedPayments flags every unpaid contribution whose grace period has
// ended. Each flagged contribution counts against its member; the notice sent
// is MEMBER_INACTIVE when that miss takes the member to the limit and
// CONTRIBUTION_MISSED otherwise. It returns the number of contributions flagged.
func (l *Ledger) CheckMissedPayments(ctx context.Context) (int, error) {
	now := l.clock()
	overdue, err := l.storage.ListOverdueContributions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue contributions: %w", err)
	}

	flagged := 0
	var errs []error
	for _, c := range overdue {
		res, err := l.storage.RecordMissedContribution(ctx, c.ID, now)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to record missed contribution %s: %w", c.ID, err))
			continue
		}
		flagged++
		l.notifyMissed(ctx, res)
	}

	slog.Info("Missed payment check complete", "flagged", flagged, "overdue", len(overdue))
	return flagged, errors.Join(errs...)
}

func (l *Ledger) notifyMissed(ctx context.Context, res *store.MissedContribution) {
	m, c := res.Member, res.Contribution
	due := c.ScheduledDate.Format("Jan 2, 2006")
	if res.PreviousMissed < models.MissedPaymentLimit && m.MissedConsecutivePayments >= models.MissedPaymentLimit {
		slog.Info("Member became inactive", "member_id", m.ID, "group_id", m.GroupID, "missed", m.MissedConsecutivePayments)
		l.send(ctx, []string{m.UserID}, models.NotificationMemberInactive,
			"Membership inactive",
			fmt.Sprintf("You missed the contribution due on %s and now have %d consecutive missed payments. Your membership is inactive until your next payment is recorded.",
				due, m.MissedConsecutivePayments),
			groupContributionsLink(m.GroupID))
		return
	}
	l.send(ctx, []string{m.UserID}, models.NotificationContributionMissed,
		"Contribution missed",
		fmt.Sprintf("Your contribution of %s due on %s was not received before the grace period ended (%d consecutive missed).",
			c.Amount.StringFixed(2), due, m.MissedConsecutivePayments),
		groupContributionsLink(m.GroupID))
}

// MarkContributionPaid records payment of a scheduled contribution. Admins may
// mark any contribution in their group; members only their own.
func (l *Ledger) MarkContributionPaid(ctx context.Context, actor *models.Identity, contributionID string) (*models.Contribution, *models.Member, error) {
	c, err := l.storage.GetContribution(ctx, contributionID)
	if err != nil {
		return nil, nil, err
	}
	caller, err := l.membership(ctx, actor, c.GroupID)
	if err != nil {
		return nil, nil, err
	}
	if caller.Role != models.RoleAdmin && caller.ID != c.MemberID {
		return nil, nil, apperr.Unauthorized("only admins can mark another member's contribution paid")
	}
	if c.IsPaid() {
		return nil, nil, apperr.Conflict("contribution is already paid")
	}

	paid, member, err := l.storage.SettleContribution(ctx, c.ID, l.clock())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to settle contribution: %w", err)
	}
	slog.Info("Contribution paid", "contribution_id", paid.ID, "member_id", member.ID, "amount", paid.Amount.StringFixed(2))
	return paid, member, nil
}

// DirectContribution is an ad hoc payment outside the schedule.
type DirectContribution struct {
	GroupID  string
	MemberID string // empty means the caller
	Amount   decimal.Decimal
	Note     string
}

// RecordContribution stores an already paid contribution and credits the
// member. Recording for someone else requires the admin role.
func (l *Ledger) RecordContribution(ctx context.Context, actor *models.Identity, in DirectContribution) (*models.Contribution, *models.Member, error) {
	caller, err := l.membership(ctx, actor, in.GroupID)
	if err != nil {
		return nil, nil, err
	}
	if !in.Amount.IsPositive() {
		return nil, nil, apperr.Validation("amount must be greater than 0")
	}

	memberID := caller.ID
	if in.MemberID != "" && in.MemberID != caller.ID {
		if caller.Role != models.RoleAdmin {
			return nil, nil, apperr.Unauthorized("only admins can record contributions for other members")
		}
		target, err := l.storage.GetMember(ctx, in.MemberID)
		if err != nil {
			return nil, nil, err
		}
		if target.GroupID != in.GroupID {
			return nil, nil, apperr.Validation("member %s is not in this group", in.MemberID)
		}
		memberID = target.ID
	}

	now := l.clock()
	c := &models.Contribution{
		ID:             uuid.New().String(),
		GroupID:        in.GroupID,
		MemberID:       memberID,
		ScheduledDate:  now,
		PaidDate:       &now,
		Amount:         in.Amount,
		GracePeriodEnd: now,
		Note:           strings.TrimSpace(in.Note),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	member, err := l.storage.RecordPaidContribution(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record contribution: %w", err)
	}
	slog.Info("Contribution recorded", "contribution_id", c.ID, "member_id", memberID, "amount", c.Amount.StringFixed(2))
	return c, member, nil
}

// ListContributions lists a group's contributions, optionally for one member.
func (l *Ledger) ListContributions(ctx context.Context, actor *models.Identity, groupID, memberID string) ([]*models.Contribution, error) {
	if _, err := l.membership(ctx, actor, groupID); err != nil {
		return nil, err
	}
	return l.storage.ListContributions(ctx, store.ContributionFilter{GroupID: groupID, MemberID: memberID})
}

func groupContributionsLink(groupID string) string {
	return "/groups/" + groupID + "/contributions"
}
