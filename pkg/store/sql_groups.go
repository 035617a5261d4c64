package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
)

const groupColumns = `id, name, owner_user_id, created_at, member_interest_rate, non_member_interest_rate,
	max_loan_percent, loan_term_months, term_start_date, term_end_date, grace_period_days, due_soon_days,
	year_end_date, distribution_executed_at, settings_updated_at`

const memberColumns = `id, group_id, user_id, role, bi_weekly_contribution, personal_payday, is_active,
	missed_consecutive_payments, total_contributions, joined_at, updated_at`

func scanGroup(row scanner) (*models.Group, error) {
	var g models.Group
	var yearEnd, executed sql.NullTime
	st := &g.Settings
	err := row.Scan(&g.ID, &g.Name, &g.OwnerUserID, &g.CreatedAt, &st.MemberInterestRate, &st.NonMemberInterestRate,
		&st.MaxLoanPercent, &st.LoanTermMonths, &st.TermStartDate, &st.TermEndDate, &st.GracePeriodDays, &st.DueSoonDays,
		&yearEnd, &executed, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.CreatedAt = utc(g.CreatedAt)
	st.TermStartDate = utc(st.TermStartDate)
	st.TermEndDate = utc(st.TermEndDate)
	st.UpdatedAt = utc(st.UpdatedAt)
	st.YearEndDate = timePtr(yearEnd)
	st.DistributionExecutedAt = timePtr(executed)
	return &g, nil
}

func scanMember(row scanner) (*models.Member, error) {
	var m models.Member
	var role string
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &role, &m.BiWeeklyContribution, &m.PersonalPayday, &m.IsActive,
		&m.MissedConsecutivePayments, &m.TotalContributions, &m.JoinedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	m.JoinedAt = utc(m.JoinedAt)
	m.UpdatedAt = utc(m.UpdatedAt)
	return &m, nil
}

func insertMember(ctx context.Context, c conn, m *models.Member) error {
	_, err := c.exec(ctx,
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.UserID, string(m.Role), m.BiWeeklyContribution, m.PersonalPayday, m.IsActive,
		m.MissedConsecutivePayments, m.TotalContributions, utc(m.JoinedAt), utc(m.UpdatedAt),
	)
	return err
}

func (s *SQLStore) CreateGroup(ctx context.Context, group *models.Group, owner *models.Member) error {
	return s.withTx(ctx, "failed to create group", func(c conn) error {
		st := group.Settings
		_, err := c.exec(ctx,
			`INSERT INTO savings_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			group.ID, group.Name, group.OwnerUserID, utc(group.CreatedAt), st.MemberInterestRate, st.NonMemberInterestRate,
			st.MaxLoanPercent, st.LoanTermMonths, utc(st.TermStartDate), utc(st.TermEndDate), st.GracePeriodDays, st.DueSoonDays,
			nullTime(st.YearEndDate), nullTime(st.DistributionExecutedAt), utc(st.UpdatedAt),
		)
		if err != nil {
			return err
		}
		return insertMember(ctx, c, owner)
	})
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	g, err := scanGroup(s.conn().queryRow(ctx, `SELECT `+groupColumns+` FROM savings_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("group %s not found", id)
	}
	if err != nil {
		return nil, s.translate("failed to get group", err)
	}
	return g, nil
}

func (s *SQLStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
	rows, err := s.conn().query(ctx, `SELECT `+groupColumns+` FROM savings_groups ORDER BY created_at ASC`)
	if err != nil {
		return nil, s.translate("failed to list groups", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, s.translate("failed to scan group row", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate("error during group rows iteration", err)
	}
	return groups, nil
}

// UpdateGroupSettings leaves distribution_executed_at alone; only
// MarkDistributionExecuted sets it.
func (s *SQLStore) UpdateGroupSettings(ctx context.Context, groupID string, st models.GroupSettings) error {
	ok, err := s.conn().execOne(ctx,
		`UPDATE savings_groups SET member_interest_rate = ?, non_member_interest_rate = ?, max_loan_percent = ?,
		loan_term_months = ?, term_start_date = ?, term_end_date = ?, grace_period_days = ?, due_soon_days = ?,
		year_end_date = ?, settings_updated_at = ? WHERE id = ?`,
		st.MemberInterestRate, st.NonMemberInterestRate, st.MaxLoanPercent, st.LoanTermMonths, utc(st.TermStartDate),
		utc(st.TermEndDate), st.GracePeriodDays, st.DueSoonDays, nullTime(st.YearEndDate), utc(st.UpdatedAt), groupID,
	)
	if err != nil {
		return s.translate("failed to update group settings", err)
	}
	if !ok {
		return apperr.NotFound("group %s not found", groupID)
	}
	return nil
}

func (s *SQLStore) MarkDistributionExecuted(ctx context.Context, groupID string, at time.Time) error {
	ok, err := s.conn().execOne(ctx,
		`UPDATE savings_groups SET distribution_executed_at = ? WHERE id = ? AND distribution_executed_at IS NULL`,
		utc(at), groupID,
	)
	if err != nil {
		return s.translate("failed to mark distribution executed", err)
	}
	if !ok {
		if _, err := s.GetGroup(ctx, groupID); err != nil {
			return err
		}
		return apperr.Conflict("year-end distribution has already been executed")
	}
	return nil
}

func (s *SQLStore) CreateMember(ctx context.Context, m *models.Member) error {
	err := insertMember(ctx, s.conn(), m)
	if err != nil && s.dialect.IsUniqueViolation(err) {
		return apperr.Conflict("user is already a member of this group")
	}
	return s.translate("failed to create member", err)
}

func (s *SQLStore) GetMember(ctx context.Context, id string) (*models.Member, error) {
	return s.getMember(ctx, s.conn(), id, "")
}

// getMember reads a member, locking the row when called inside a transaction
// on dialects that support it.
func (s *SQLStore) getMember(ctx context.Context, c conn, id, lock string) (*models.Member, error) {
	m, err := scanMember(c.queryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("member %s not found", id)
	}
	if err != nil {
		return nil, s.translate("failed to get member", err)
	}
	return m, nil
}

func (s *SQLStore) GetMemberByUser(ctx context.Context, groupID, userID string) (*models.Member, error) {
	m, err := scanMember(s.conn().queryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE group_id = ? AND user_id = ?`, groupID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user is not a member of group %s", groupID)
	}
	if err != nil {
		return nil, s.translate("failed to get member", err)
	}
	return m, nil
}

func (s *SQLStore) ListMembers(ctx context.Context, groupID string) ([]*models.Member, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE group_id = ? ORDER BY joined_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, s.translate("failed to list members", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, s.translate("failed to scan member row", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate("error during member rows iteration", err)
	}
	return members, nil
}

// updateMemberStanding writes the mutable counters of m.
func updateMemberStanding(ctx context.Context, c conn, m *models.Member) error {
	ok, err := c.execOne(ctx,
		`UPDATE members SET is_active = ?, missed_consecutive_payments = ?, total_contributions = ?, updated_at = ?
		WHERE id = ?`,
		m.IsActive, m.MissedConsecutivePayments, m.TotalContributions, utc(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("member %s not found", m.ID)
	}
	return nil
}
