package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
)

const loanColumns = `id, group_id, borrower_member_id, is_non_member, non_member_name, requested_by_user_id, amount,
	interest_rate, total_interest, term_months, status, approved_by, approved_at, rejection_reason, due_date,
	repaid_amount, is_fully_repaid, default_notified, version, created_at, updated_at`

var activeStatusArgs = func() []any {
	args := make([]any, len(models.ActiveLoanStatuses))
	for i, st := range models.ActiveLoanStatuses {
		args[i] = string(st)
	}
	return args
}()

func scanLoan(row scanner) (*models.Loan, error) {
	var l models.Loan
	var borrower sql.NullString
	var approvedAt sql.NullTime
	var status string
	err := row.Scan(&l.ID, &l.GroupID, &borrower, &l.IsNonMember, &l.NonMemberName, &l.RequestedByUserID, &l.Amount,
		&l.InterestRate, &l.TotalInterest, &l.TermMonths, &status, &l.ApprovedBy, &approvedAt, &l.RejectionReason, &l.DueDate,
		&l.RepaidAmount, &l.IsFullyRepaid, &l.DefaultNotified, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.BorrowerMemberID = borrower.String
	l.Status = models.LoanStatus(status)
	l.ApprovedAt = timePtr(approvedAt)
	l.DueDate = utc(l.DueDate)
	l.CreatedAt = utc(l.CreatedAt)
	l.UpdatedAt = utc(l.UpdatedAt)
	return &l, nil
}

func (s *SQLStore) count(ctx context.Context, c conn, query string, args ...any) (int, error) {
	var n int
	if err := c.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) activeLoanCount(ctx context.Context, c conn, memberID string) (int, error) {
	return s.count(ctx, c,
		`SELECT COUNT(*) FROM loans WHERE borrower_member_id = ? AND status IN `+in(len(activeStatusArgs)),
		append([]any{memberID}, activeStatusArgs...)...)
}

func (s *SQLStore) activeCoMakerCount(ctx context.Context, c conn, memberID string) (int, error) {
	return s.count(ctx, c,
		`SELECT COUNT(*) FROM co_makers cm JOIN loans l ON l.id = cm.loan_id
		WHERE cm.member_id = ? AND l.status IN `+in(len(activeStatusArgs)),
		append([]any{memberID}, activeStatusArgs...)...)
}

func (s *SQLStore) activeNonMemberCount(ctx context.Context, c conn, groupID, name string) (int, error) {
	return s.count(ctx, c,
		`SELECT COUNT(*) FROM loans WHERE group_id = ? AND is_non_member = ? AND non_member_key = ? AND status IN `+in(len(activeStatusArgs)),
		append([]any{groupID, true, nonMemberKey(name)}, activeStatusArgs...)...)
}

// obligated reports whether a member already borrows or guarantees an
// active loan.
func (s *SQLStore) obligated(ctx context.Context, c conn, memberID string) (bool, error) {
	n, err := s.activeLoanCount(ctx, c, memberID)
	if err != nil || n > 0 {
		return n > 0, err
	}
	n, err = s.activeCoMakerCount(ctx, c, memberID)
	return n > 0, err
}

// lockParties takes row locks on everyone whose exclusivity the new loan
// depends on, before anything is counted: the group for non-member loans, the
// borrower and co-maker members otherwise. Members are locked in id order.
func (s *SQLStore) lockParties(ctx context.Context, c conn, loan *models.Loan, coMakers []*models.CoMaker) error {
	if loan.IsNonMember {
		var id string
		err := c.queryRow(ctx, `SELECT id FROM savings_groups WHERE id = ?`+s.dialect.LockClause(), loan.GroupID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("group %s not found", loan.GroupID)
		}
		return err
	}

	ids := make([]string, 0, len(coMakers)+1)
	ids = append(ids, loan.BorrowerMemberID)
	for _, cm := range coMakers {
		ids = append(ids, cm.MemberID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := s.getMember(ctx, c, id, s.dialect.LockClause()); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CreateLoan(ctx context.Context, loan *models.Loan, coMakers []*models.CoMaker) error {
	return s.withTx(ctx, "failed to create loan", func(c conn) error {
		if err := s.lockParties(ctx, c, loan, coMakers); err != nil {
			return err
		}
		if loan.IsNonMember {
			n, err := s.activeNonMemberCount(ctx, c, loan.GroupID, loan.NonMemberName)
			if err != nil {
				return err
			}
			if n > 0 {
				return apperr.Conflict("%s already has an active loan", loan.NonMemberName)
			}
		} else {
			busy, err := s.obligated(ctx, c, loan.BorrowerMemberID)
			if err != nil {
				return err
			}
			if busy {
				return apperr.Conflict("borrower already has an active loan or co-maker obligation")
			}
		}
		for _, cm := range coMakers {
			busy, err := s.obligated(ctx, c, cm.MemberID)
			if err != nil {
				return err
			}
			if busy {
				return apperr.Conflict("co-maker already has an active loan or co-maker obligation")
			}
		}

		_, err := c.exec(ctx,
			`INSERT INTO loans (`+loanColumns+`, non_member_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			loan.ID, loan.GroupID, nullString(loan.BorrowerMemberID), loan.IsNonMember, loan.NonMemberName,
			loan.RequestedByUserID, loan.Amount, loan.InterestRate, loan.TotalInterest, loan.TermMonths, string(loan.Status),
			loan.ApprovedBy, nullTime(loan.ApprovedAt), loan.RejectionReason, utc(loan.DueDate), loan.RepaidAmount,
			loan.IsFullyRepaid, loan.DefaultNotified, loan.Version, utc(loan.CreatedAt), utc(loan.UpdatedAt),
			nonMemberKey(loan.NonMemberName),
		)
		if err != nil {
			return err
		}
		for _, cm := range coMakers {
			_, err := c.exec(ctx,
				`INSERT INTO co_makers (id, loan_id, member_id, created_at) VALUES (?, ?, ?, ?)`,
				cm.ID, cm.LoanID, cm.MemberID, utc(cm.CreatedAt),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	l, err := scanLoan(s.conn().queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("loan %s not found", id)
	}
	if err != nil {
		return nil, s.translate("failed to get loan", err)
	}
	return l, nil
}

func (s *SQLStore) ListLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error) {
	var conds []string
	var args []any
	if filter.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.BorrowerMemberID != "" {
		conds = append(conds, "borrower_member_id = ?")
		args = append(args, filter.BorrowerMemberID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN "+in(len(filter.Statuses)))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.DueOnOrBefore != nil {
		conds = append(conds, "due_date <= ?")
		args = append(args, utc(*filter.DueOnOrBefore))
	}
	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.conn().query(ctx, query, args...)
	if err != nil {
		return nil, s.translate("failed to list loans", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, s.translate("failed to scan loan row", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate("error during loan rows iteration", err)
	}
	return loans, nil
}

func (s *SQLStore) ListCoMakers(ctx context.Context, loanID string) ([]*models.CoMaker, error) {
	rows, err := s.conn().query(ctx,
		`SELECT id, loan_id, member_id, created_at FROM co_makers WHERE loan_id = ? ORDER BY created_at ASC, id ASC`, loanID)
	if err != nil {
		return nil, s.translate("failed to list co-makers", err)
	}
	defer rows.Close()

	var out []*models.CoMaker
	for rows.Next() {
		var cm models.CoMaker
		if err := rows.Scan(&cm.ID, &cm.LoanID, &cm.MemberID, &cm.CreatedAt); err != nil {
			return nil, s.translate("failed to scan co-maker row", err)
		}
		cm.CreatedAt = utc(cm.CreatedAt)
		out = append(out, &cm)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate("error during co-maker rows iteration", err)
	}
	return out, nil
}

func (s *SQLStore) HasActiveLoan(ctx context.Context, memberID string) (bool, error) {
	n, err := s.activeLoanCount(ctx, s.conn(), memberID)
	if err != nil {
		return false, s.translate("failed to check active loans", err)
	}
	return n > 0, nil
}

func (s *SQLStore) HasActiveNonMemberLoan(ctx context.Context, groupID, name string) (bool, error) {
	n, err := s.activeNonMemberCount(ctx, s.conn(), groupID, name)
	if err != nil {
		return false, s.translate("failed to check active loans", err)
	}
	return n > 0, nil
}

func (s *SQLStore) HasActiveCoMakerRole(ctx context.Context, memberID string) (bool, error) {
	n, err := s.activeCoMakerCount(ctx, s.conn(), memberID)
	if err != nil {
		return false, s.translate("failed to check co-maker roles", err)
	}
	return n > 0, nil
}

// updateLoan is the compare-and-swap write shared by UpdateLoan and
// ApplyRepayment. The caller bumps loan.Version once the write commits.
func updateLoan(ctx context.Context, c conn, l *models.Loan, expected models.LoanStatus) error {
	ok, err := c.execOne(ctx,
		`UPDATE loans SET status = ?, approved_by = ?, approved_at = ?, rejection_reason = ?, repaid_amount = ?,
		is_fully_repaid = ?, default_notified = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		string(l.Status), l.ApprovedBy, nullTime(l.ApprovedAt), l.RejectionReason, l.RepaidAmount,
		l.IsFullyRepaid, l.DefaultNotified, utc(l.UpdatedAt),
		l.ID, string(expected), l.Version,
	)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("loan %s was changed by another request or is no longer %s", l.ID, expected)
	}
	return nil
}

func (s *SQLStore) UpdateLoan(ctx context.Context, loan *models.Loan, expected models.LoanStatus) error {
	if err := updateLoan(ctx, s.conn(), loan, expected); err != nil {
		return s.translate("failed to update loan", err)
	}
	loan.Version++
	return nil
}

func (s *SQLStore) ApplyRepayment(ctx context.Context, rep *models.LoanRepayment, loan *models.Loan) error {
	err := s.withTx(ctx, "failed to apply repayment", func(c conn) error {
		_, err := c.exec(ctx,
			`INSERT INTO loan_repayments (id, loan_id, amount, principal, interest, payment_date, note)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rep.ID, rep.LoanID, rep.Amount, rep.Principal, rep.Interest, utc(rep.PaymentDate), rep.Note,
		)
		if err != nil {
			return err
		}
		return updateLoan(ctx, c, loan, models.LoanStatusApproved)
	})
	if err != nil {
		return err
	}
	loan.Version++
	return nil
}

func (s *SQLStore) ListRepayments(ctx context.Context, loanID string) ([]*models.LoanRepayment, error) {
	rows, err := s.conn().query(ctx,
		`SELECT id, loan_id, amount, principal, interest, payment_date, note FROM loan_repayments
		WHERE loan_id = ? ORDER BY payment_date ASC, id ASC`, loanID)
	if err != nil {
		return nil, s.translate("failed to list repayments", err)
	}
	defer rows.Close()

	var out []*models.LoanRepayment
	for rows.Next() {
		var r models.LoanRepayment
		if err := rows.Scan(&r.ID, &r.LoanID, &r.Amount, &r.Principal, &r.Interest, &r.PaymentDate, &r.Note); err != nil {
			return nil, s.translate("failed to scan repayment row", err)
		}
		r.PaymentDate = utc(r.PaymentDate)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.translate("error during repayment rows iteration", err)
	}
	return out, nil
}
