package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/calc"
	"github.com/mcclellann/sinkfund/pkg/calendar"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/money"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/shopspring/decimal"
)

// ComputeLoanEligibility returns how much the caller may borrow from the group.
func (l *Ledger) ComputeLoanEligibility(ctx context.Context, actor *models.Identity, groupID string) (*calc.Eligibility, error) {
	m, err := l.membership(ctx, actor, groupID)
	if err != nil {
		return nil, err
	}
	g, err := l.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	e := l.eligibility(g, m)
	return &e, nil
}

func (l *Ledger) eligibility(g *models.Group, m *models.Member) calc.Eligibility {
	return calc.ComputeEligibility(calc.EligibilityInput{
		BiWeeklyContribution: m.BiWeeklyContribution,
		TotalContributions:   m.TotalContributions,
		JoinedAt:             m.JoinedAt,
		MaxLoanPercent:       g.Settings.MaxLoanPercent,
	}, l.clock())
}

// LoanRequest is a request to borrow from a group's pool.
type LoanRequest struct {
	GroupID       string
	Amount        decimal.Decimal
	IsNonMember   bool
	NonMemberName string
	CoMakerID     string // member ID, optional
}

// RequestLoan files a PENDING loan. Member loans are taken by the caller and
// are limited by their eligibility; non-member loans are filed by an admin on
// behalf of a named outsider. Every precondition is checked before anything
// is written.
func (l *Ledger) RequestLoan(ctx context.Context, actor *models.Identity, req LoanRequest) (*models.Loan, error) {
	caller, err := l.membership(ctx, actor, req.GroupID)
	if err != nil {
		return nil, err
	}
	g, err := l.storage.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be greater than 0")
	}
	if g.Settings.LoanTermMonths < 1 {
		return nil, apperr.Validation("group has no loan term configured")
	}

	now := l.clock()
	loan := &models.Loan{
		ID:                uuid.New().String(),
		GroupID:           g.ID,
		RequestedByUserID: actor.ID,
		Amount:            money.Round(req.Amount),
		TermMonths:        g.Settings.LoanTermMonths,
		Status:            models.LoanStatusPending,
		DueDate:           calendar.AddMonths(now, g.Settings.LoanTermMonths),
		RepaidAmount:      decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if req.IsNonMember {
		if caller.Role != models.RoleAdmin {
			return nil, apperr.Unauthorized("only group admins can file non-member loans")
		}
		name := strings.TrimSpace(req.NonMemberName)
		if name == "" {
			return nil, apperr.Validation("non-member name is required")
		}
		active, err := l.storage.HasActiveNonMemberLoan(ctx, g.ID, name)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, apperr.Conflict("%s already has an active loan", name)
		}
		loan.IsNonMember = true
		loan.NonMemberName = name
		loan.InterestRate = g.Settings.NonMemberInterestRate
	} else {
		if err := l.checkBorrower(ctx, g, caller, loan.Amount); err != nil {
			return nil, err
		}
		loan.BorrowerMemberID = caller.ID
		loan.InterestRate = g.Settings.MemberInterestRate
	}
	loan.TotalInterest = money.Round(money.Percent(loan.Amount, loan.InterestRate).Mul(decimal.NewFromInt(int64(loan.TermMonths))))

	var coMakers []*models.CoMaker
	var coMakerUserID string
	if req.CoMakerID != "" {
		cm, err := l.checkCoMaker(ctx, g.ID, caller.ID, req.CoMakerID)
		if err != nil {
			return nil, err
		}
		coMakerUserID = cm.UserID
		coMakers = append(coMakers, &models.CoMaker{
			ID:        uuid.New().String(),
			LoanID:    loan.ID,
			MemberID:  cm.ID,
			CreatedAt: now,
		})
	}

	if err := l.storage.CreateLoan(ctx, loan, coMakers); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}
	l.metrics.LoanTransition(string(models.LoanStatusPending))
	slog.Info("Loan requested", "loan_id", loan.ID, "group_id", g.ID, "amount", loan.Amount.StringFixed(2), "non_member", loan.IsNonMember)

	admins, err := l.adminUserIDs(ctx, g.ID)
	if err != nil {
		slog.Warn("Failed to look up admins for loan request notice", "loan_id", loan.ID, "error", err)
	}
	l.send(ctx, admins, models.NotificationLoanRequested,
		"New loan request",
		fmt.Sprintf("%s requested a loan of %s in %s.", borrowerLabel(actor, loan), loan.Amount.StringFixed(2), g.Name),
		loanLink(loan.ID))
	if coMakerUserID != "" {
		l.send(ctx, []string{coMakerUserID}, models.NotificationLoanRequested,
			"You were named co-maker",
			fmt.Sprintf("You were named co-maker on a loan of %s in %s.", loan.Amount.StringFixed(2), g.Name),
			loanLink(loan.ID))
	}
	return loan, nil
}

func borrowerLabel(actor *models.Identity, loan *models.Loan) string {
	if loan.IsNonMember {
		return loan.NonMemberName
	}
	if actor.Name != "" {
		return actor.Name
	}
	return "A member"
}

func (l *Ledger) checkBorrower(ctx context.Context, g *models.Group, m *models.Member, amount decimal.Decimal) error {
	if !m.IsActive {
		return apperr.Validation("inactive members cannot request loans")
	}
	if active, err := l.storage.HasActiveLoan(ctx, m.ID); err != nil {
		return err
	} else if active {
		return apperr.Conflict("you already have a pending or approved loan")
	}
	if obligated, err := l.storage.HasActiveCoMakerRole(ctx, m.ID); err != nil {
		return err
	} else if obligated {
		return apperr.Conflict("you are co-maker on an active loan")
	}

	e := l.eligibility(g, m)
	if amount.GreaterThan(e.MaxLoanAmount) {
		return apperr.Validation("amount must be greater than 0 and at most %s", e.MaxLoanAmount.StringFixed(2))
	}
	return nil
}

func (l *Ledger) checkCoMaker(ctx context.Context, groupID, requesterID, coMakerID string) (*models.Member, error) {
	if coMakerID == requesterID {
		return nil, apperr.Validation("you cannot be your own co-maker")
	}
	cm, err := l.storage.GetMember(ctx, coMakerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Validation("co-maker %s is not a member of this group", coMakerID)
	}
	if err != nil {
		return nil, err
	}
	if cm.GroupID != groupID {
		return nil, apperr.Validation("co-maker %s is not a member of this group", coMakerID)
	}
	if !cm.IsActive {
		return nil, apperr.Validation("co-maker must be an active member")
	}
	if active, err := l.storage.HasActiveLoan(ctx, cm.ID); err != nil {
		return nil, err
	} else if active {
		return nil, apperr.Conflict("co-maker already has an active loan")
	}
	if obligated, err := l.storage.HasActiveCoMakerRole(ctx, cm.ID); err != nil {
		return nil, err
	} else if obligated {
		return nil, apperr.Conflict("co-maker is already obligated on another loan")
	}
	return cm, nil
}

// ApproveLoan moves a PENDING loan to APPROVED.
func (l *Ledger) ApproveLoan(ctx context.Context, actor *models.Identity, loanID string) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if _, err := l.requireAdmin(ctx, actor, loan.GroupID); err != nil {
		return nil, err
	}
	if loan.Status != models.LoanStatusPending {
		return nil, apperr.Conflict("only pending loans can be approved, loan is %s", loan.Status)
	}

	now := l.clock()
	loan.Status = models.LoanStatusApproved
	loan.ApprovedBy = actor.ID
	loan.ApprovedAt = &now
	loan.UpdatedAt = now
	if err := l.storage.UpdateLoan(ctx, loan, models.LoanStatusPending); err != nil {
		return nil, fmt.Errorf("failed to approve loan: %w", err)
	}
	l.metrics.LoanTransition(string(loan.Status))
	slog.Info("Loan approved", "loan_id", loan.ID, "approved_by", actor.ID)

	recipients, err := l.loanParties(ctx, loan, false)
	if err != nil {
		slog.Warn("Failed to resolve loan parties", "loan_id", loan.ID, "error", err)
	}
	l.send(ctx, recipients, models.NotificationLoanApproved,
		"Loan approved",
		fmt.Sprintf("The loan of %s was approved. Total due is %s by %s.",
			loan.Amount.StringFixed(2), loan.TotalDue().StringFixed(2), loan.DueDate.Format("Jan 2, 2006")),
		loanLink(loan.ID))
	return loan, nil
}

// RejectLoan moves a PENDING loan to REJECTED.
func (l *Ledger) RejectLoan(ctx context.Context, actor *models.Identity, loanID, reason string) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if _, err := l.requireAdmin(ctx, actor, loan.GroupID); err != nil {
		return nil, err
	}
	if loan.Status != models.LoanStatusPending {
		return nil, apperr.Conflict("only pending loans can be rejected, loan is %s", loan.Status)
	}

	loan.Status = models.LoanStatusRejected
	loan.RejectionReason = strings.TrimSpace(reason)
	loan.UpdatedAt = l.clock()
	if err := l.storage.UpdateLoan(ctx, loan, models.LoanStatusPending); err != nil {
		return nil, fmt.Errorf("failed to reject loan: %w", err)
	}
	l.metrics.LoanTransition(string(loan.Status))
	slog.Info("Loan rejected", "loan_id", loan.ID, "rejected_by", actor.ID)

	msg := fmt.Sprintf("The loan request of %s was rejected.", loan.Amount.StringFixed(2))
	if loan.RejectionReason != "" {
		msg += " Reason: " + loan.RejectionReason
	}
	recipients, err := l.loanParties(ctx, loan, false)
	if err != nil {
		slog.Warn("Failed to resolve loan parties", "loan_id", loan.ID, "error", err)
	}
	l.send(ctx, recipients, models.NotificationLoanRejected, "Loan rejected", msg, loanLink(loan.ID))
	return loan, nil
}

// RepayLoan applies a payment to an APPROVED loan. Anything above the
// remaining balance is ignored. The repayment record and the loan update are
// written together; the loan becomes REPAID once the total due is covered.
func (l *Ledger) RepayLoan(ctx context.Context, actor *models.Identity, loanID string, amount decimal.Decimal, note string) (*models.LoanRepayment, *models.Loan, error) {
	if !amount.IsPositive() {
		return nil, nil, apperr.Validation("amount must be greater than 0")
	}
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	caller, err := l.membership(ctx, actor, loan.GroupID)
	if err != nil {
		return nil, nil, err
	}
	if caller.Role != models.RoleAdmin && (loan.IsNonMember || caller.ID != loan.BorrowerMemberID) {
		return nil, nil, apperr.Unauthorized("only the borrower or a group admin can repay this loan")
	}
	if loan.Status != models.LoanStatusApproved {
		return nil, nil, apperr.Conflict("only approved loans can be repaid, loan is %s", loan.Status)
	}

	split := calc.SplitRepayment(loan.Amount, loan.TotalInterest, loan.RepaidAmount, amount)
	if !split.Total.IsPositive() {
		return nil, nil, apperr.Conflict("loan has no remaining balance")
	}

	now := l.clock()
	rep := &models.LoanRepayment{
		ID:          uuid.New().String(),
		LoanID:      loan.ID,
		Amount:      split.Total,
		Principal:   split.Principal,
		Interest:    split.Interest,
		PaymentDate: now,
		Note:        strings.TrimSpace(note),
	}
	loan.RepaidAmount = loan.RepaidAmount.Add(split.Total)
	loan.IsFullyRepaid = split.FullyRepaid
	if split.FullyRepaid {
		loan.Status = models.LoanStatusRepaid
	}
	loan.UpdatedAt = now

	if err := l.storage.ApplyRepayment(ctx, rep, loan); err != nil {
		return nil, nil, fmt.Errorf("failed to apply repayment: %w", err)
	}
	slog.Info("Repayment applied", "loan_id", loan.ID, "amount", rep.Amount.StringFixed(2), "remaining", split.Remaining.StringFixed(2))

	if loan.Status == models.LoanStatusRepaid {
		l.metrics.LoanTransition(string(loan.Status))
		recipients, err := l.loanParties(ctx, loan, true)
		if err != nil {
			slog.Warn("Failed to resolve loan parties", "loan_id", loan.ID, "error", err)
		}
		l.send(ctx, recipients, models.NotificationLoanRepaid,
			"Loan fully repaid",
			fmt.Sprintf("The loan of %s has been fully repaid (%s including interest).",
				loan.Amount.StringFixed(2), loan.TotalDue().StringFixed(2)),
			loanLink(loan.ID))
	}
	return rep, loan, nil
}

// CheckLoanDueDates walks every APPROVED loan due within the group's
// due-soon window. A loan more than its own term past the due date is
// DEFAULTED; any other is sent a single due-soon or overdue notice. It
// returns the number of loans changed.
func (l *Ledger) CheckLoanDueDates(ctx context.Context) (int, error) {
	groups, err := l.storage.ListGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list groups: %w", err)
	}

	now := l.clock()
	changed := 0
	var errs []error
	for _, g := range groups {
		horizon := calendar.AddDays(now, g.Settings.DueSoonDays)
		loans, err := l.storage.ListLoans(ctx, store.LoanFilter{
			GroupID:       g.ID,
			Statuses:      []models.LoanStatus{models.LoanStatusApproved},
			DueOnOrBefore: &horizon,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list due loans of group %s: %w", g.ID, err))
			continue
		}
		for _, loan := range loans {
			ok, err := l.checkDueLoan(ctx, g, loan, now)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				changed++
			}
		}
	}

	slog.Info("Loan due date check complete", "changed", changed, "groups", len(groups))
	return changed, errors.Join(errs...)
}

func (l *Ledger) checkDueLoan(ctx context.Context, g *models.Group, loan *models.Loan, now time.Time) (bool, error) {
	defaultAt := calendar.AddMonths(loan.DueDate, loan.TermMonths)

	if now.After(defaultAt) {
		loan.Status = models.LoanStatusDefaulted
		loan.UpdatedAt = now
		if err := l.storage.UpdateLoan(ctx, loan, models.LoanStatusApproved); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				return false, nil
			}
			return false, fmt.Errorf("failed to default loan %s: %w", loan.ID, err)
		}
		l.metrics.LoanTransition(string(loan.Status))
		slog.Warn("Loan defaulted", "loan_id", loan.ID, "group_id", g.ID, "remaining", loan.Remaining().StringFixed(2))

		recipients, err := l.loanParties(ctx, loan, true)
		if err != nil {
			slog.Warn("Failed to resolve loan parties", "loan_id", loan.ID, "error", err)
		}
		l.send(ctx, recipients, models.NotificationLoanDefaulted,
			"Loan defaulted",
			fmt.Sprintf("The loan of %s in %s has defaulted with %s unpaid.",
				loan.Amount.StringFixed(2), g.Name, loan.Remaining().StringFixed(2)),
			loanLink(loan.ID))
		return true, nil
	}

	// One notice per loan: a due-soon notice uses it up, so no overdue notice follows.
	if loan.DefaultNotified {
		return false, nil
	}
	loan.DefaultNotified = true
	loan.UpdatedAt = now
	if err := l.storage.UpdateLoan(ctx, loan, models.LoanStatusApproved); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to flag loan %s as notified: %w", loan.ID, err)
	}

	daysOverdue := calendar.FloorDays(now, loan.DueDate)
	title := "Loan payment due soon"
	msg := fmt.Sprintf("Your loan balance of %s is due on %s.", loan.Remaining().StringFixed(2), loan.DueDate.Format("Jan 2, 2006"))
	if daysOverdue > 0 {
		title = "Loan payment overdue"
		msg = fmt.Sprintf("Your loan balance of %s is %d day(s) overdue. It defaults after %s.",
			loan.Remaining().StringFixed(2), daysOverdue, defaultAt.Format("Jan 2, 2006"))
	}
	l.send(ctx, []string{l.borrowerUserID(ctx, loan)}, models.NotificationLoanOverdue, title, msg, loanLink(loan.ID))
	return true, nil
}

// borrowerUserID is the user answering for the loan: the borrowing member or,
// for non-member loans, the admin who filed it.
func (l *Ledger) borrowerUserID(ctx context.Context, loan *models.Loan) string {
	if loan.IsNonMember {
		return loan.RequestedByUserID
	}
	m, err := l.storage.GetMember(ctx, loan.BorrowerMemberID)
	if err != nil {
		slog.Warn("Failed to look up borrower", "loan_id", loan.ID, "member_id", loan.BorrowerMemberID, "error", err)
		return loan.RequestedByUserID
	}
	return m.UserID
}

// loanParties lists the borrower and co-makers, plus the group owner when
// withOwner is set.
func (l *Ledger) loanParties(ctx context.Context, loan *models.Loan, withOwner bool) ([]string, error) {
	recipients := []string{l.borrowerUserID(ctx, loan)}

	coMakers, err := l.storage.ListCoMakers(ctx, loan.ID)
	if err != nil {
		return recipients, err
	}
	for _, cm := range coMakers {
		m, err := l.storage.GetMember(ctx, cm.MemberID)
		if err != nil {
			return recipients, err
		}
		recipients = append(recipients, m.UserID)
	}

	if withOwner {
		g, err := l.storage.GetGroup(ctx, loan.GroupID)
		if err != nil {
			return recipients, err
		}
		recipients = append(recipients, g.OwnerUserID)
	}
	return recipients, nil
}

func (l *Ledger) GetLoan(ctx context.Context, actor *models.Identity, loanID string) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if _, err := l.membership(ctx, actor, loan.GroupID); err != nil {
		return nil, err
	}
	return loan, nil
}

func (l *Ledger) ListLoans(ctx context.Context, actor *models.Identity, groupID string) ([]*models.Loan, error) {
	if _, err := l.membership(ctx, actor, groupID); err != nil {
		return nil, err
	}
	return l.storage.ListLoans(ctx, store.LoanFilter{GroupID: groupID})
}

func (l *Ledger) ListRepayments(ctx context.Context, actor *models.Identity, loanID string) ([]*models.LoanRepayment, error) {
	if _, err := l.GetLoan(ctx, actor, loanID); err != nil {
		return nil, err
	}
	return l.storage.ListRepayments(ctx, loanID)
}

func loanLink(loanID string) string {
	return "/loans/" + loanID
}
