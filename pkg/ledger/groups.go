package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// NewGroup describes a group and its creator's own contribution plan.
type NewGroup struct {
	Name                 string
	Settings             models.GroupSettings
	BiWeeklyContribution decimal.Decimal
	PersonalPayday       int
}

// MemberPlan is a member's contribution amount and payday.
type MemberPlan struct {
	BiWeeklyContribution decimal.Decimal
	PersonalPayday       int
}

func validatePlan(p MemberPlan) error {
	if !p.BiWeeklyContribution.IsPositive() {
		return apperr.Validation("bi-weekly contribution must be greater than 0")
	}
	if p.PersonalPayday < 1 || p.PersonalPayday > 31 {
		return apperr.Validation("payday must be a day of the month between 1 and 31")
	}
	return nil
}

func validateSettings(s models.GroupSettings) error {
	switch {
	case s.MemberInterestRate.IsNegative() || s.NonMemberInterestRate.IsNegative():
		return apperr.Validation("interest rates must not be negative")
	case !s.MaxLoanPercent.IsPositive() || s.MaxLoanPercent.GreaterThan(hundred):
		return apperr.Validation("max loan percent must be greater than 0 and at most 100")
	case s.LoanTermMonths < 1:
		return apperr.Validation("loan term must be at least one month")
	case s.TermStartDate.IsZero() || s.TermEndDate.IsZero():
		return apperr.Validation("term start and end dates are required")
	case !s.TermEndDate.After(s.TermStartDate):
		return apperr.Validation("term end date must be after the start date")
	case s.GracePeriodDays < 0:
		return apperr.Validation("grace period must not be negative")
	case s.DueSoonDays < 0:
		return apperr.Validation("due-soon days must not be negative")
	}
	return nil
}

// CreateGroup creates a group owned by the caller, who joins it as its first
// admin. A zero grace period or due-soon lead time takes the default.
func (l *Ledger) CreateGroup(ctx context.Context, actor *models.Identity, in NewGroup) (*models.Group, *models.Member, error) {
	if actor == nil || actor.ID == "" {
		return nil, nil, apperr.Unauthorized("authentication required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, nil, apperr.Validation("group name is required")
	}
	settings := in.Settings
	if settings.GracePeriodDays == 0 {
		settings.GracePeriodDays = models.DefaultGracePeriodDays
	}
	if settings.DueSoonDays == 0 {
		settings.DueSoonDays = l.dueSoonDays
	}
	if err := validateSettings(settings); err != nil {
		return nil, nil, err
	}
	plan := MemberPlan{BiWeeklyContribution: in.BiWeeklyContribution, PersonalPayday: in.PersonalPayday}
	if err := validatePlan(plan); err != nil {
		return nil, nil, err
	}

	now := l.clock()
	settings.DistributionExecutedAt = nil
	settings.UpdatedAt = now
	group := &models.Group{
		ID:          uuid.New().String(),
		Name:        name,
		OwnerUserID: actor.ID,
		CreatedAt:   now,
		Settings:    settings,
	}
	owner := newMember(group.ID, actor.ID, models.RoleAdmin, plan, now)

	if err := l.storage.CreateGroup(ctx, group, owner); err != nil {
		return nil, nil, fmt.Errorf("failed to store group: %w", err)
	}
	return group, owner, nil
}

func newMember(groupID, userID string, role models.Role, plan MemberPlan, now time.Time) *models.Member {
	return &models.Member{
		ID:                   uuid.New().String(),
		GroupID:              groupID,
		UserID:               userID,
		Role:                 role,
		BiWeeklyContribution: plan.BiWeeklyContribution,
		PersonalPayday:       plan.PersonalPayday,
		IsActive:             true,
		TotalContributions:   decimal.Zero,
		JoinedAt:             now,
		UpdatedAt:            now,
	}
}

// JoinGroup adds the caller to a group as a regular member.
func (l *Ledger) JoinGroup(ctx context.Context, actor *models.Identity, groupID string, plan MemberPlan) (*models.Member, error) {
	if actor == nil || actor.ID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	if _, err := l.storage.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}

	member := newMember(groupID, actor.ID, models.RoleMember, plan, l.clock())
	if err := l.storage.CreateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to store member: %w", err)
	}
	return member, nil
}

// UpdateGroupSettings replaces the group's settings. The distribution
// execution mark is kept as stored.
func (l *Ledger) UpdateGroupSettings(ctx context.Context, actor *models.Identity, groupID string, settings models.GroupSettings) (*models.Group, error) {
	if _, err := l.requireAdmin(ctx, actor, groupID); err != nil {
		return nil, err
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	group, err := l.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	settings.DistributionExecutedAt = group.Settings.DistributionExecutedAt
	settings.UpdatedAt = l.clock()
	if err := l.storage.UpdateGroupSettings(ctx, groupID, settings); err != nil {
		return nil, fmt.Errorf("failed to update group settings: %w", err)
	}
	group.Settings = settings
	return group, nil
}

func (l *Ledger) GetGroup(ctx context.Context, actor *models.Identity, groupID string) (*models.Group, error) {
	if _, err := l.membership(ctx, actor, groupID); err != nil {
		return nil, err
	}
	return l.storage.GetGroup(ctx, groupID)
}

func (l *Ledger) ListMembers(ctx context.Context, actor *models.Identity, groupID string) ([]*models.Member, error) {
	if _, err := l.membership(ctx, actor, groupID); err != nil {
		return nil, err
	}
	return l.storage.ListMembers(ctx, groupID)
}

// adminUserIDs lists the users holding the ADMIN role in the group.
func (l *Ledger) adminUserIDs(ctx context.Context, groupID string) ([]string, error) {
	members, err := l.storage.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range members {
		if m.Role == models.RoleAdmin {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}
