package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
)

const contributionColumns = `id, group_id, member_id, scheduled_date, paid_date, amount, is_missed, grace_period_end,
	note, created_at, updated_at`

func scanContribution(row scanner) (*models.Contribution, error) {
	var c models.Contribution
	var paid sql.NullTime
	err := row.Scan(&c.ID, &c.GroupID, &c.MemberID, &c.ScheduledDate, &paid, &c.Amount, &c.IsMissed, &c.GracePeriodEnd,
		&c.Note, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ScheduledDate = utc(c.ScheduledDate)
	c.GracePeriodEnd = utc(c.GracePeriodEnd)
	c.CreatedAt = utc(c.CreatedAt)
	c.UpdatedAt = utc(c.UpdatedAt)
	c.PaidDate = timePtr(paid)
	return &c, nil
}

func insertContribution(ctx context.Context, c conn, ct *models.Contribution) error {
	_, err := c.exec(ctx,
		`INSERT INTO contributions (`+contributionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ID, ct.GroupID, ct.MemberID, utc(ct.ScheduledDate), nullTime(ct.PaidDate), ct.Amount, ct.IsMissed,
		utc(ct.GracePeriodEnd), ct.Note, utc(ct.CreatedAt), utc(ct.UpdatedAt),
	)
	return err
}

func (s *SQLStore) getContribution(ctx context.Context, c conn, id string) (*models.Contribution, error) {
	ct, err := scanContribution(c.queryRow(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("contribution %s not found", id)
	}
	if err != nil {
		return nil, s.translate("failed to get contribution", err)
	}
	return ct, nil
}

func (s *SQLStore) listContributions(ctx context.Context, op, where string, args ...any) ([]*models.Contribution, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+contributionColumns+` FROM contributions`+where+` ORDER BY scheduled_date ASC, id ASC`, args...)
	if err != nil {
		return nil, s.translate(op, err)
	}
	defer rows.Close()

	var out []*models.Contribution
	for rows.Next() {
		ct, err := scanContribution(rows)
		if err != nil {
			return nil, s.translate("failed to scan contribution row", err)
		}
		out = append(out, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate("error during contribution rows iteration", err)
	}
	return out, nil
}

func (s *SQLStore) CreateContribution(ctx context.Context, ct *models.Contribution) error {
	err := insertContribution(ctx, s.conn(), ct)
	if err != nil && s.dialect.IsUniqueViolation(err) {
		return apperr.Conflict("a contribution is already scheduled for %s", ct.ScheduledDate.Format(time.DateOnly))
	}
	return s.translate("failed to create contribution", err)
}

func (s *SQLStore) ContributionExists(ctx context.Context, memberID string, scheduledDate time.Time) (bool, error) {
	var n int
	err := s.conn().queryRow(ctx,
		`SELECT COUNT(*) FROM contributions WHERE member_id = ? AND scheduled_date = ?`,
		memberID, utc(scheduledDate),
	).Scan(&n)
	if err != nil {
		return false, s.translate("failed to check contribution", err)
	}
	return n > 0, nil
}

func (s *SQLStore) GetContribution(ctx context.Context, id string) (*models.Contribution, error) {
	return s.getContribution(ctx, s.conn(), id)
}

func (s *SQLStore) ListContributions(ctx context.Context, filter ContributionFilter) ([]*models.Contribution, error) {
	var conds []string
	var args []any
	if filter.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.MemberID != "" {
		conds = append(conds, "member_id = ?")
		args = append(args, filter.MemberID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	return s.listContributions(ctx, "failed to list contributions", where, args...)
}

func (s *SQLStore) ListOverdueContributions(ctx context.Context, now time.Time) ([]*models.Contribution, error) {
	return s.listContributions(ctx, "failed to list overdue contributions",
		` WHERE paid_date IS NULL AND is_missed = ? AND grace_period_end < ?`, false, utc(now))
}

func (s *SQLStore) RecordMissedContribution(ctx context.Context, id string, at time.Time) (*MissedContribution, error) {
	var out MissedContribution
	err := s.withTx(ctx, "failed to record missed contribution", func(c conn) error {
		ok, err := c.execOne(ctx,
			`UPDATE contributions SET is_missed = ?, updated_at = ? WHERE id = ? AND is_missed = ? AND paid_date IS NULL`,
			true, utc(at), id, false,
		)
		if err != nil {
			return err
		}
		ct, err := s.getContribution(ctx, c, id)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("contribution %s is already paid or missed", id)
		}

		m, err := s.getMember(ctx, c, ct.MemberID, s.dialect.LockClause())
		if err != nil {
			return err
		}
		out.PreviousMissed = m.MissedConsecutivePayments
		applyMiss(m, at)
		if err := updateMemberStanding(ctx, c, m); err != nil {
			return err
		}
		out.Contribution, out.Member = ct, m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLStore) SettleContribution(ctx context.Context, id string, paidAt time.Time) (*models.Contribution, *models.Member, error) {
	var ct *models.Contribution
	var m *models.Member
	err := s.withTx(ctx, "failed to settle contribution", func(c conn) error {
		ok, err := c.execOne(ctx,
			`UPDATE contributions SET paid_date = ?, is_missed = ?, updated_at = ? WHERE id = ? AND paid_date IS NULL`,
			utc(paidAt), false, utc(paidAt), id,
		)
		if err != nil {
			return err
		}
		if ct, err = s.getContribution(ctx, c, id); err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("contribution %s is already paid", id)
		}

		if m, err = s.getMember(ctx, c, ct.MemberID, s.dialect.LockClause()); err != nil {
			return err
		}
		applyPayment(m, ct.Amount, paidAt)
		return updateMemberStanding(ctx, c, m)
	})
	if err != nil {
		return nil, nil, err
	}
	return ct, m, nil
}

func (s *SQLStore) RecordPaidContribution(ctx context.Context, ct *models.Contribution) (*models.Member, error) {
	var m *models.Member
	err := s.withTx(ctx, "failed to record contribution", func(c conn) error {
		if err := insertContribution(ctx, c, ct); err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return apperr.Conflict("a contribution is already recorded for %s", ct.ScheduledDate.Format(time.DateOnly))
			}
			return err
		}
		var err error
		if m, err = s.getMember(ctx, c, ct.MemberID, s.dialect.LockClause()); err != nil {
			return err
		}
		paidAt := ct.CreatedAt
		if ct.PaidDate != nil {
			paidAt = *ct.PaidDate
		}
		applyPayment(m, ct.Amount, paidAt)
		return updateMemberStanding(ctx, c, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
