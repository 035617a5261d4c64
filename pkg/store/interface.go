package store

import (
	"context"
	"time"

	"github.com/mcclellann/sinkfund/pkg/models"
)

// LoanFilter selects loans. Zero fields do not filter.
type LoanFilter struct {
	GroupID          string
	BorrowerMemberID string
	Statuses         []models.LoanStatus
	DueOnOrBefore    *time.Time
}

// ContributionFilter selects contributions. Zero fields do not filter.
type ContributionFilter struct {
	GroupID  string
	MemberID string
}

// MissedContribution is the outcome of flagging one contribution as missed.
type MissedContribution struct {
	Contribution   *models.Contribution
	Member         *models.Member
	PreviousMissed int
}

// Storage defines the data-access operations used by the ledger.
//
// Errors carry an apperr kind: missing rows are NotFound, unique violations and
// failed conditional writes are Conflict, anything else is StorageUnavailable.
// Every method that changes a status, flag or counter is conditional on the
// prior value, so concurrent callers cannot both succeed.
type Storage interface {
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	// CreateGroup stores a group together with its owning admin member.
	CreateGroup(ctx context.Context, group *models.Group, owner *models.Member) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]*models.Group, error)
	UpdateGroupSettings(ctx context.Context, groupID string, settings models.GroupSettings) error
	// MarkDistributionExecuted sets the execution time only if it is unset.
	MarkDistributionExecuted(ctx context.Context, groupID string, at time.Time) error

	// CreateMember fails with Conflict if the user is already in the group.
	CreateMember(ctx context.Context, member *models.Member) error
	GetMember(ctx context.Context, id string) (*models.Member, error)
	GetMemberByUser(ctx context.Context, groupID, userID string) (*models.Member, error)
	ListMembers(ctx context.Context, groupID string) ([]*models.Member, error)

	// CreateContribution fails with Conflict if the member already has a
	// contribution on the same scheduled date.
	CreateContribution(ctx context.Context, c *models.Contribution) error
	ContributionExists(ctx context.Context, memberID string, scheduledDate time.Time) (bool, error)
	GetContribution(ctx context.Context, id string) (*models.Contribution, error)
	ListContributions(ctx context.Context, filter ContributionFilter) ([]*models.Contribution, error)
	// ListOverdueContributions returns unpaid, not yet missed contributions
	// whose grace period ended before now.
	ListOverdueContributions(ctx context.Context, now time.Time) ([]*models.Contribution, error)
	// RecordMissedContribution flags the contribution as missed and bumps the
	// member's consecutive-miss counter, deactivating the member at
	// models.MissedPaymentLimit. Conflict if it was already missed or paid.
	RecordMissedContribution(ctx context.Context, id string, at time.Time) (*MissedContribution, error)
	// SettleContribution marks an unpaid contribution paid and credits the
	// member. Conflict if it was already paid.
	SettleContribution(ctx context.Context, id string, paidAt time.Time) (*models.Contribution, *models.Member, error)
	// RecordPaidContribution inserts an already paid contribution and credits
	// the member in one write.
	RecordPaidContribution(ctx context.Context, c *models.Contribution) (*models.Member, error)

	// CreateLoan stores a loan and its co-makers, re-checking borrower and
	// co-maker exclusivity in the same write.
	CreateLoan(ctx context.Context, loan *models.Loan, coMakers []*models.CoMaker) error
	GetLoan(ctx context.Context, id string) (*models.Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error)
	ListCoMakers(ctx context.Context, loanID string) ([]*models.CoMaker, error)
	HasActiveLoan(ctx context.Context, memberID string) (bool, error)
	HasActiveNonMemberLoan(ctx context.Context, groupID, name string) (bool, error)
	HasActiveCoMakerRole(ctx context.Context, memberID string) (bool, error)
	// UpdateLoan writes loan only if its stored status is expected and its
	// version matches, then bumps loan.Version.
	UpdateLoan(ctx context.Context, loan *models.Loan, expected models.LoanStatus) error
	// ApplyRepayment appends the repayment and writes the loan as UpdateLoan
	// does with expected APPROVED, atomically.
	ApplyRepayment(ctx context.Context, repayment *models.LoanRepayment, loan *models.Loan) error
	ListRepayments(ctx context.Context, loanID string) ([]*models.LoanRepayment, error)

	CreateNotification(ctx context.Context, n *models.Notification) error

	Close() error
}
