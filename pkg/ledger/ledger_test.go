package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/shopspring/decimal"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// recorder is a Notifier that keeps everything it is sent.
type recorder struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (r *recorder) Notify(_ context.Context, n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recorder) ofType(typ models.NotificationType) []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.sent {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func recipients(ns []models.Notification) map[string]bool {
	out := make(map[string]bool, len(ns))
	for _, n := range ns {
		out[n.RecipientUserID] = true
	}
	return out
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 10, 0, 0, 0, time.UTC)
}

type fixture struct {
	ctx    context.Context
	store  *store.MemoryStore
	clock  *testClock
	notes  *recorder
	ledger *Ledger

	admin, ana, outsider   *models.Identity
	group                  *models.Group
	adminMember, anaMember *models.Member
}

// newFixture creates a group owned by admin that ana has joined, with the
// clock on Jan 1, 2026.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	yearEnd := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	f := &fixture{
		ctx:      context.Background(),
		store:    store.NewMemoryStore(),
		clock:    &testClock{t: day(2026, 1, 1)},
		notes:    &recorder{},
		admin:    &models.Identity{ID: "u-admin", Name: "Dana"},
		ana:      &models.Identity{ID: "u-ana", Name: "Ana"},
		outsider: &models.Identity{ID: "u-out", Name: "Otto"},
	}
	f.ledger = NewLedger(f.store, f.notes, WithClock(f.clock.now))

	var err error
	f.group, f.adminMember, err = f.ledger.CreateGroup(f.ctx, f.admin, NewGroup{
		Name: "Savers",
		Settings: models.GroupSettings{
			MemberInterestRate:    d("2"),
			NonMemberInterestRate: d("5"),
			MaxLoanPercent:        d("50"),
			LoanTermMonths:        3,
			TermStartDate:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			TermEndDate:           time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC),
			YearEndDate:           &yearEnd,
		},
		BiWeeklyContribution: d("1000"),
		PersonalPayday:       15,
	})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	f.anaMember, err = f.ledger.JoinGroup(f.ctx, f.ana, f.group.ID, MemberPlan{BiWeeklyContribution: d("1000"), PersonalPayday: 15})
	if err != nil {
		t.Fatalf("Failed to join group: %v", err)
	}
	return f
}

func (f *fixture) contribute(t *testing.T, who *models.Identity, amount string) {
	t.Helper()
	if _, _, err := f.ledger.RecordContribution(f.ctx, who, DirectContribution{GroupID: f.group.ID, Amount: d(amount)}); err != nil {
		t.Fatalf("Failed to record contribution: %v", err)
	}
}

func (f *fixture) approvedLoan(t *testing.T, amount string) *models.Loan {
	t.Helper()
	loan, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d(amount)})
	if err != nil {
		t.Fatalf("Failed to request loan: %v", err)
	}
	loan, err = f.ledger.ApproveLoan(f.ctx, f.admin, loan.ID)
	if err != nil {
		t.Fatalf("Failed to approve loan: %v", err)
	}
	return loan
}

func expectKind(t *testing.T, err error, want *apperr.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("Expected %s error, got %v", want.Kind, err)
	}
}

func TestCreateGroupAndJoin(t *testing.T) {
	f := newFixture(t)

	if f.adminMember.Role != models.RoleAdmin || f.group.OwnerUserID != f.admin.ID {
		t.Errorf("Expected creator to own the group as admin, got %+v", f.adminMember)
	}
	if f.group.Settings.GracePeriodDays != models.DefaultGracePeriodDays {
		t.Errorf("Expected default grace period %d, got %d", models.DefaultGracePeriodDays, f.group.Settings.GracePeriodDays)
	}
	if f.group.Settings.DueSoonDays != DefaultDueSoonDays {
		t.Errorf("Expected default due-soon days %d, got %d", DefaultDueSoonDays, f.group.Settings.DueSoonDays)
	}
	if f.anaMember.Role != models.RoleMember || !f.anaMember.IsActive {
		t.Errorf("Expected active regular member, got %+v", f.anaMember)
	}

	_, err := f.ledger.JoinGroup(f.ctx, f.ana, f.group.ID, MemberPlan{BiWeeklyContribution: d("1000"), PersonalPayday: 15})
	expectKind(t, err, apperr.ErrConflict)

	_, err = f.ledger.JoinGroup(f.ctx, f.outsider, f.group.ID, MemberPlan{BiWeeklyContribution: d("1000"), PersonalPayday: 32})
	expectKind(t, err, apperr.ErrValidation)

	_, err = f.ledger.JoinGroup(f.ctx, f.outsider, "missing", MemberPlan{BiWeeklyContribution: d("1000"), PersonalPayday: 1})
	expectKind(t, err, apperr.ErrNotFound)
}

func TestGroupAccess(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.GetGroup(f.ctx, f.outsider, f.group.ID)
	expectKind(t, err, apperr.ErrUnauthorized)

	_, err = f.ledger.GetGroup(f.ctx, f.ana, "missing")
	expectKind(t, err, apperr.ErrNotFound)

	_, err = f.ledger.GetGroup(f.ctx, nil, f.group.ID)
	expectKind(t, err, apperr.ErrUnauthorized)

	members, err := f.ledger.ListMembers(f.ctx, f.ana, f.group.ID)
	if err != nil {
		t.Fatalf("Failed to list members: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}
}

func TestUpdateGroupSettings(t *testing.T) {
	f := newFixture(t)

	settings := f.group.Settings
	settings.MemberInterestRate = d("1.5")

	_, err := f.ledger.UpdateGroupSettings(f.ctx, f.ana, f.group.ID, settings)
	expectKind(t, err, apperr.ErrUnauthorized)

	bad := settings
	bad.MaxLoanPercent = d("120")
	_, err = f.ledger.UpdateGroupSettings(f.ctx, f.admin, f.group.ID, bad)
	expectKind(t, err, apperr.ErrValidation)

	bad = settings
	bad.TermEndDate = bad.TermStartDate
	_, err = f.ledger.UpdateGroupSettings(f.ctx, f.admin, f.group.ID, bad)
	expectKind(t, err, apperr.ErrValidation)

	g, err := f.ledger.UpdateGroupSettings(f.ctx, f.admin, f.group.ID, settings)
	if err != nil {
		t.Fatalf("Failed to update settings: %v", err)
	}
	if !g.Settings.MemberInterestRate.Equal(d("1.5")) {
		t.Errorf("Expected member rate 1.5, got %s", g.Settings.MemberInterestRate)
	}
}

func TestGenerateContributionsIsIdempotent(t *testing.T) {
	f := newFixture(t)

	created, err := f.ledger.GenerateContributions(f.ctx)
	if err != nil {
		t.Fatalf("Failed to generate contributions: %v", err)
	}
	// Jan 15 through Jun 18, every 14 days, for two members
	if created != 24 {
		t.Errorf("Expected 24 contributions, got %d", created)
	}
	first, _ := f.store.ListContributions(f.ctx, store.ContributionFilter{GroupID: f.group.ID})

	created, err = f.ledger.GenerateContributions(f.ctx)
	if err != nil {
		t.Fatalf("Failed to generate contributions: %v", err)
	}
	if created != 0 {
		t.Errorf("Expected second run to create nothing, got %d", created)
	}
	second, _ := f.store.ListContributions(f.ctx, store.ContributionFilter{GroupID: f.group.ID})
	if len(first) != len(second) {
		t.Errorf("Expected %d contributions after second run, got %d", len(first), len(second))
	}

	mine, _ := f.ledger.ListContributions(f.ctx, f.ana, f.group.ID, f.anaMember.ID)
	if len(mine) != 12 {
		t.Fatalf("Expected 12 contributions for ana, got %d", len(mine))
	}
	if got := mine[0].ScheduledDate; !got.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected first contribution on Jan 15, got %s", got)
	}
	if got := mine[0].GracePeriodEnd; !got.Equal(time.Date(2026, 1, 22, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected grace period end Jan 22, got %s", got)
	}

	if due := f.notes.ofType(models.NotificationContributionDue); len(due) != 2 {
		t.Errorf("Expected one CONTRIBUTION_DUE per member, got %d", len(due))
	}
}

func TestMissedPaymentsDeactivateAtLimit(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.GenerateContributions(f.ctx); err != nil {
		t.Fatalf("Failed to generate contributions: %v", err)
	}

	// grace periods of Jan 15, Jan 29 and Feb 12 have ended; Feb 26 has not
	f.clock.set(day(2026, 2, 28))
	flagged, err := f.ledger.CheckMissedPayments(f.ctx)
	if err != nil {
		t.Fatalf("Failed to check missed payments: %v", err)
	}
	if flagged != 6 {
		t.Errorf("Expected 6 missed contributions, got %d", flagged)
	}

	ana, _ := f.store.GetMember(f.ctx, f.anaMember.ID)
	if ana.MissedConsecutivePayments != 3 || ana.IsActive {
		t.Errorf("Expected ana inactive with 3 misses, got %d active=%v", ana.MissedConsecutivePayments, ana.IsActive)
	}
	if n := len(f.notes.ofType(models.NotificationContributionMissed)); n != 4 {
		t.Errorf("Expected 4 CONTRIBUTION_MISSED notices, got %d", n)
	}
	inactive := f.notes.ofType(models.NotificationMemberInactive)
	if len(inactive) != 2 || !recipients(inactive)[f.ana.ID] {
		t.Errorf("Expected one MEMBER_INACTIVE per member, got %+v", inactive)
	}

	flagged, err = f.ledger.CheckMissedPayments(f.ctx)
	if err != nil || flagged != 0 {
		t.Errorf("Expected re-run to flag nothing, got %d (%v)", flagged, err)
	}

	// an inactive member cannot borrow until they pay
	_, err = f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("100")})
	expectKind(t, err, apperr.ErrValidation)

	mine, _ := f.ledger.ListContributions(f.ctx, f.ana, f.group.ID, f.anaMember.ID)
	_, member, err := f.ledger.MarkContributionPaid(f.ctx, f.ana, mine[0].ID)
	if err != nil {
		t.Fatalf("Failed to mark contribution paid: %v", err)
	}
	if member.MissedConsecutivePayments != 0 || !member.IsActive {
		t.Errorf("Expected ana reset to active, got %d active=%v", member.MissedConsecutivePayments, member.IsActive)
	}
	if !member.TotalContributions.Equal(d("1000")) {
		t.Errorf("Expected total contributions 1000, got %s", member.TotalContributions)
	}

	// the next miss counts from zero and keeps the member active
	f.clock.set(day(2026, 3, 6))
	if _, err := f.ledger.CheckMissedPayments(f.ctx); err != nil {
		t.Fatalf("Failed to check missed payments: %v", err)
	}
	ana, _ = f.store.GetMember(f.ctx, f.anaMember.ID)
	if ana.MissedConsecutivePayments != 1 || !ana.IsActive {
		t.Errorf("Expected 1 miss and active, got %d active=%v", ana.MissedConsecutivePayments, ana.IsActive)
	}
}

func TestMarkContributionPaidAuthorization(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.GenerateContributions(f.ctx); err != nil {
		t.Fatalf("Failed to generate contributions: %v", err)
	}
	theirs, _ := f.ledger.ListContributions(f.ctx, f.admin, f.group.ID, f.adminMember.ID)

	_, _, err := f.ledger.MarkContributionPaid(f.ctx, f.ana, theirs[0].ID)
	expectKind(t, err, apperr.ErrUnauthorized)

	_, _, err = f.ledger.MarkContributionPaid(f.ctx, f.outsider, theirs[0].ID)
	expectKind(t, err, apperr.ErrUnauthorized)

	mine, _ := f.ledger.ListContributions(f.ctx, f.ana, f.group.ID, f.anaMember.ID)
	if _, _, err := f.ledger.MarkContributionPaid(f.ctx, f.admin, mine[0].ID); err != nil {
		t.Fatalf("Expected admin to mark any contribution paid: %v", err)
	}
	_, _, err = f.ledger.MarkContributionPaid(f.ctx, f.ana, mine[0].ID)
	expectKind(t, err, apperr.ErrConflict)

	_, _, err = f.ledger.MarkContributionPaid(f.ctx, f.ana, "missing")
	expectKind(t, err, apperr.ErrNotFound)
}

func TestRecordContribution(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.ledger.RecordContribution(f.ctx, f.ana, DirectContribution{GroupID: f.group.ID, Amount: d("0")})
	expectKind(t, err, apperr.ErrValidation)

	_, _, err = f.ledger.RecordContribution(f.ctx, f.ana, DirectContribution{GroupID: f.group.ID, MemberID: f.adminMember.ID, Amount: d("10")})
	expectKind(t, err, apperr.ErrUnauthorized)

	c, member, err := f.ledger.RecordContribution(f.ctx, f.admin, DirectContribution{
		GroupID:  f.group.ID,
		MemberID: f.anaMember.ID,
		Amount:   d("250.50"),
		Note:     " cash ",
	})
	if err != nil {
		t.Fatalf("Failed to record contribution: %v", err)
	}
	if !c.IsPaid() || c.Note != "cash" || c.MemberID != f.anaMember.ID {
		t.Errorf("Expected paid contribution for ana, got %+v", c)
	}
	if !member.TotalContributions.Equal(d("250.50")) {
		t.Errorf("Expected total contributions 250.50, got %s", member.TotalContributions)
	}
}

func TestRequestLoanEligibilityAndExclusivity(t *testing.T) {
	f := newFixture(t)

	// brand-new member with nothing paid in may borrow nothing
	_, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("100")})
	expectKind(t, err, apperr.ErrValidation)

	f.contribute(t, f.ana, "2000")

	e, err := f.ledger.ComputeLoanEligibility(f.ctx, f.ana, f.group.ID)
	if err != nil {
		t.Fatalf("Failed to compute eligibility: %v", err)
	}
	if !e.MaxLoanAmount.Equal(d("2000")) {
		t.Errorf("Expected max loan 2000, got %s", e.MaxLoanAmount)
	}

	_, err = f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("2000.01")})
	expectKind(t, err, apperr.ErrValidation)

	_, err = f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("-5")})
	expectKind(t, err, apperr.ErrValidation)

	loan, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("1000")})
	if err != nil {
		t.Fatalf("Failed to request loan: %v", err)
	}
	if loan.Status != models.LoanStatusPending || loan.BorrowerMemberID != f.anaMember.ID {
		t.Errorf("Expected pending loan for ana, got %+v", loan)
	}
	// 1000 x 2% x 3 months
	if !loan.TotalInterest.Equal(d("60")) {
		t.Errorf("Expected total interest 60, got %s", loan.TotalInterest)
	}
	if !loan.DueDate.Equal(day(2026, 4, 1)) {
		t.Errorf("Expected due date Apr 1, got %s", loan.DueDate)
	}
	if reqs := f.notes.ofType(models.NotificationLoanRequested); !recipients(reqs)[f.admin.ID] {
		t.Errorf("Expected admin to be told about the request, got %+v", reqs)
	}

	_, err = f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("10")})
	expectKind(t, err, apperr.ErrConflict)

	_, err = f.ledger.RequestLoan(f.ctx, f.outsider, LoanRequest{GroupID: f.group.ID, Amount: d("10")})
	expectKind(t, err, apperr.ErrUnauthorized)
}

func TestRequestLoanCoMaker(t *testing.T) {
	f := newFixture(t)
	f.contribute(t, f.ana, "2000")
	f.contribute(t, f.admin, "2000")

	tests := []struct {
		name      string
		coMakerID string
		want      *apperr.Error
	}{
		{"self", f.anaMember.ID, apperr.ErrValidation},
		{"unknown", "missing", apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("500"), CoMakerID: tt.coMakerID})
			expectKind(t, err, tt.want)
		})
	}

	if _, err := f.ledger.RequestLoan(f.ctx, f.admin, LoanRequest{GroupID: f.group.ID, Amount: d("500")}); err != nil {
		t.Fatalf("Failed to request admin loan: %v", err)
	}
	_, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("500"), CoMakerID: f.adminMember.ID})
	expectKind(t, err, apperr.ErrConflict)

	loans, _ := f.ledger.ListLoans(f.ctx, f.ana, f.group.ID)
	if len(loans) != 1 {
		t.Errorf("Expected failed requests to write nothing, got %d loans", len(loans))
	}
}

func TestNonMemberLoan(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("500"), IsNonMember: true, NonMemberName: "Bob Smith"})
	expectKind(t, err, apperr.ErrUnauthorized)

	_, err = f.ledger.RequestLoan(f.ctx, f.admin, LoanRequest{GroupID: f.group.ID, Amount: d("500"), IsNonMember: true, NonMemberName: "  "})
	expectKind(t, err, apperr.ErrValidation)

	loan, err := f.ledger.RequestLoan(f.ctx, f.admin, LoanRequest{GroupID: f.group.ID, Amount: d("500"), IsNonMember: true, NonMemberName: "Bob Smith"})
	if err != nil {
		t.Fatalf("Failed to request non-member loan: %v", err)
	}
	// 500 x 5% x 3 months
	if !loan.InterestRate.Equal(d("5")) || !loan.TotalInterest.Equal(d("75")) {
		t.Errorf("Expected non-member rate 5 and interest 75, got %s and %s", loan.InterestRate, loan.TotalInterest)
	}
	if loan.BorrowerMemberID != "" {
		t.Errorf("Expected no borrower member, got %s", loan.BorrowerMemberID)
	}

	_, err = f.ledger.RequestLoan(f.ctx, f.admin, LoanRequest{GroupID: f.group.ID, Amount: d("100"), IsNonMember: true, NonMemberName: " bob SMITH "})
	expectKind(t, err, apperr.ErrConflict)
}

func TestLoanApprovalAndRepayment(t *testing.T) {
	f := newFixture(t)
	f.contribute(t, f.ana, "2000")
	f.contribute(t, f.admin, "2000")

	loan, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("1000"), CoMakerID: f.adminMember.ID})
	if err != nil {
		t.Fatalf("Failed to request loan: %v", err)
	}

	_, err = f.ledger.ApproveLoan(f.ctx, f.ana, loan.ID)
	expectKind(t, err, apperr.ErrUnauthorized)

	_, _, err = f.ledger.RepayLoan(f.ctx, f.ana, loan.ID, d("100"), "")
	expectKind(t, err, apperr.ErrConflict)

	loan, err = f.ledger.ApproveLoan(f.ctx, f.admin, loan.ID)
	if err != nil {
		t.Fatalf("Failed to approve loan: %v", err)
	}
	if loan.Status != models.LoanStatusApproved || loan.ApprovedBy != f.admin.ID || loan.ApprovedAt == nil {
		t.Errorf("Expected approved loan with approver, got %+v", loan)
	}
	approved := recipients(f.notes.ofType(models.NotificationLoanApproved))
	if !approved[f.ana.ID] || !approved[f.admin.ID] {
		t.Errorf("Expected borrower and co-maker told of approval, got %v", approved)
	}

	_, err = f.ledger.ApproveLoan(f.ctx, f.admin, loan.ID)
	expectKind(t, err, apperr.ErrConflict)

	_, _, err = f.ledger.RepayLoan(f.ctx, f.ana, loan.ID, d("0"), "")
	expectKind(t, err, apperr.ErrValidation)

	rep, loan, err := f.ledger.RepayLoan(f.ctx, f.ana, loan.ID, d("530"), "first half")
	if err != nil {
		t.Fatalf("Failed to repay loan: %v", err)
	}
	if !rep.Principal.Equal(d("500")) || !rep.Interest.Equal(d("30")) {
		t.Errorf("Expected split 500/30, got %s/%s", rep.Principal, rep.Interest)
	}
	if loan.Status != models.LoanStatusApproved || loan.IsFullyRepaid {
		t.Errorf("Expected loan still approved, got %s", loan.Status)
	}

	// overpayment is clipped to the remaining 530
	rep, loan, err = f.ledger.RepayLoan(f.ctx, f.admin, loan.ID, d("1000"), "")
	if err != nil {
		t.Fatalf("Failed to repay loan: %v", err)
	}
	if !rep.Amount.Equal(d("530")) {
		t.Errorf("Expected effective payment 530, got %s", rep.Amount)
	}
	if loan.Status != models.LoanStatusRepaid || !loan.IsFullyRepaid || !loan.RepaidAmount.Equal(d("1060")) {
		t.Errorf("Expected fully repaid loan, got %s repaid %s", loan.Status, loan.RepaidAmount)
	}
	repaid := recipients(f.notes.ofType(models.NotificationLoanRepaid))
	if !repaid[f.ana.ID] || !repaid[f.admin.ID] || len(repaid) != 2 {
		t.Errorf("Expected borrower and owner told once each, got %v", repaid)
	}

	reps, err := f.ledger.ListRepayments(f.ctx, f.ana, loan.ID)
	if err != nil {
		t.Fatalf("Failed to list repayments: %v", err)
	}
	if len(reps) != 2 {
		t.Errorf("Expected 2 repayments, got %d", len(reps))
	}

	_, _, err = f.ledger.RepayLoan(f.ctx, f.ana, loan.ID, d("1"), "")
	expectKind(t, err, apperr.ErrConflict)

	// the borrower may borrow again once the loan is settled
	if _, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("100")}); err != nil {
		t.Errorf("Expected new loan after repayment, got %v", err)
	}
}

func TestRejectLoan(t *testing.T) {
	f := newFixture(t)
	f.contribute(t, f.ana, "2000")
	loan, err := f.ledger.RequestLoan(f.ctx, f.ana, LoanRequest{GroupID: f.group.ID, Amount: d("1000")})
	if err != nil {
		t.Fatalf("Failed to request loan: %v", err)
	}

	loan, err = f.ledger.RejectLoan(f.ctx, f.admin, loan.ID, " pool is low ")
	if err != nil {
		t.Fatalf("Failed to reject loan: %v", err)
	}
	if loan.Status != models.LoanStatusRejected || loan.RejectionReason != "pool is low" {
		t.Errorf("Expected rejected loan with reason, got %+v", loan)
	}
	if !recipients(f.notes.ofType(models.NotificationLoanRejected))[f.ana.ID] {
		t.Error("Expected borrower told of rejection")
	}

	_, err = f.ledger.ApproveLoan(f.ctx, f.admin, loan.ID)
	expectKind(t, err, apperr.ErrConflict)
}

func TestCheckLoanDueDates(t *testing.T) {
	f := newFixture(t)
	f.contribute(t, f.ana, "2000")
	loan := f.approvedLoan(t, "1000")

	f.clock.set(day(2026, 3, 1))
	if changed, err := f.ledger.CheckLoanDueDates(f.ctx); err != nil || changed != 0 {
		t.Fatalf("Expected nothing due on Mar 1, got %d (%v)", changed, err)
	}

	f.clock.set(day(2026, 3, 30))
	changed, err := f.ledger.CheckLoanDueDates(f.ctx)
	if err != nil || changed != 1 {
		t.Fatalf("Expected one due-soon notice, got %d (%v)", changed, err)
	}
	notices := f.notes.ofType(models.NotificationLoanOverdue)
	if len(notices) != 1 || notices[0].RecipientUserID != f.ana.ID || notices[0].Title != "Loan payment due soon" {
		t.Errorf("Expected due-soon notice to ana, got %+v", notices)
	}

	// now overdue, but the due-soon notice was the loan's only one
	f.clock.set(day(2026, 4, 10))
	if changed, _ := f.ledger.CheckLoanDueDates(f.ctx); changed != 0 {
		t.Errorf("Expected no second notice, got %d changes", changed)
	}
	if n := len(f.notes.ofType(models.NotificationLoanOverdue)); n != 1 {
		t.Errorf("Expected still 1 notice, got %d", n)
	}

	// due Apr 1 plus the 3-month term
	f.clock.set(day(2026, 7, 2))
	changed, err = f.ledger.CheckLoanDueDates(f.ctx)
	if err != nil || changed != 1 {
		t.Fatalf("Expected loan to default, got %d (%v)", changed, err)
	}
	got, _ := f.ledger.GetLoan(f.ctx, f.ana, loan.ID)
	if got.Status != models.LoanStatusDefaulted {
		t.Errorf("Expected DEFAULTED, got %s", got.Status)
	}
	defaulted := recipients(f.notes.ofType(models.NotificationLoanDefaulted))
	if !defaulted[f.ana.ID] || !defaulted[f.admin.ID] {
		t.Errorf("Expected borrower and owner told of default, got %v", defaulted)
	}

	if changed, _ := f.ledger.CheckLoanDueDates(f.ctx); changed != 0 {
		t.Errorf("Expected re-run to change nothing, got %d", changed)
	}
}

func TestOverdueNoticeCountsDays(t *testing.T) {
	f := newFixture(t)
	f.contribute(t, f.ana, "2000")
	f.approvedLoan(t, "1000")

	f.clock.set(day(2026, 4, 6))
	if _, err := f.ledger.CheckLoanDueDates(f.ctx); err != nil {
		t.Fatalf("Failed to check due dates: %v", err)
	}
	notices := f.notes.ofType(models.NotificationLoanOverdue)
	if len(notices) != 1 || notices[0].Title != "Loan payment overdue" {
		t.Fatalf("Expected one overdue notice, got %+v", notices)
	}
	if want := "Your loan balance of 1060.00 is 5 day(s) overdue. It defaults after Jul 1, 2026."; notices[0].Message != want {
		t.Errorf("Expected message %q, got %q", want, notices[0].Message)
	}
}

func TestYearEndDistribution(t *testing.T) {
	f := newFixture(t)
	f.contribute(t, f.ana, "2000")
	f.contribute(t, f.admin, "2000")
	loan := f.approvedLoan(t, "1000")

	preview, err := f.ledger.ComputeYearEndDistribution(f.ctx, f.ana, f.group.ID)
	if err != nil {
		t.Fatalf("Failed to preview distribution: %v", err)
	}
	if !preview.TotalPool.Equal(d("4000")) || !preview.TotalInterestEarned.IsZero() {
		t.Errorf("Expected pool 4000 and no interest yet, got %s/%s", preview.TotalPool, preview.TotalInterestEarned)
	}

	_, err = f.ledger.ExecuteYearEndDistribution(f.ctx, f.ana, f.group.ID)
	expectKind(t, err, apperr.ErrUnauthorized)

	_, err = f.ledger.ExecuteYearEndDistribution(f.ctx, f.admin, f.group.ID)
	expectKind(t, err, apperr.ErrConflict)

	f.clock.set(day(2027, 1, 5))
	_, err = f.ledger.ExecuteYearEndDistribution(f.ctx, f.admin, f.group.ID)
	expectKind(t, err, apperr.ErrConflict)

	if _, _, err := f.ledger.RepayLoan(f.ctx, f.ana, loan.ID, d("1060"), ""); err != nil {
		t.Fatalf("Failed to repay loan: %v", err)
	}

	dist, err := f.ledger.ExecuteYearEndDistribution(f.ctx, f.admin, f.group.ID)
	if err != nil {
		t.Fatalf("Failed to execute distribution: %v", err)
	}
	if !dist.TotalInterestEarned.Equal(d("60")) {
		t.Errorf("Expected interest earned 60, got %s", dist.TotalInterestEarned)
	}
	for _, p := range dist.Payouts {
		if !p.InterestShare.Equal(d("30")) || !p.TotalPayout.Equal(d("2030")) {
			t.Errorf("Expected 30 share and 2030 payout, got %s/%s", p.InterestShare, p.TotalPayout)
		}
	}
	if n := len(f.notes.ofType(models.NotificationYearEnd)); n != 2 {
		t.Errorf("Expected 2 year-end notices, got %d", n)
	}

	_, err = f.ledger.ExecuteYearEndDistribution(f.ctx, f.admin, f.group.ID)
	expectKind(t, err, apperr.ErrConflict)
	if n := len(f.notes.ofType(models.NotificationYearEnd)); n != 2 {
		t.Errorf("Expected no more notices after a repeat, got %d", n)
	}
}
