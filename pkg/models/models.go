package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// MissedPaymentLimit is the consecutive-miss count at which a member becomes inactive.
const MissedPaymentLimit = 3

// Identity is the authenticated caller as resolved by the identity provider.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// User is the locally cached profile of an identity, used to address notifications.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	OwnerUserID string        `json:"owner_user_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Settings    GroupSettings `json:"settings"`
}

// GroupSettings are the read-only inputs of the calculators for one group.
type GroupSettings struct {
	MemberInterestRate     decimal.Decimal `json:"member_interest_rate"`     // percent per month
	NonMemberInterestRate  decimal.Decimal `json:"non_member_interest_rate"` // percent per month
	MaxLoanPercent         decimal.Decimal `json:"max_loan_percent"`         // of annual savings
	LoanTermMonths         int             `json:"loan_term_months"`
	TermStartDate          time.Time       `json:"term_start_date"`
	TermEndDate            time.Time       `json:"term_end_date"`
	GracePeriodDays        int             `json:"grace_period_days"`
	DueSoonDays            int             `json:"due_soon_days"` // loan due-date notice lead time
	YearEndDate            *time.Time      `json:"year_end_date,omitempty"`
	DistributionExecutedAt *time.Time      `json:"distribution_executed_at,omitempty"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// DefaultGracePeriodDays applies when a group does not set its own grace period.
const DefaultGracePeriodDays = 7

type Member struct {
	ID                        string          `json:"id"`
	GroupID                   string          `json:"group_id"`
	UserID                    string          `json:"user_id"`
	Role                      Role            `json:"role"`
	BiWeeklyContribution      decimal.Decimal `json:"bi_weekly_contribution"`
	PersonalPayday            int             `json:"personal_payday"` // day of month, 1-31
	IsActive                  bool            `json:"is_active"`
	MissedConsecutivePayments int             `json:"missed_consecutive_payments"`
	TotalContributions        decimal.Decimal `json:"total_contributions"`
	JoinedAt                  time.Time       `json:"joined_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// Contribution is one scheduled bi-weekly payment obligation.
type Contribution struct {
	ID             string          `json:"id"`
	GroupID        string          `json:"group_id"`
	MemberID       string          `json:"member_id"`
	ScheduledDate  time.Time       `json:"scheduled_date"`
	PaidDate       *time.Time      `json:"paid_date,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	IsMissed       bool            `json:"is_missed"`
	GracePeriodEnd time.Time       `json:"grace_period_end"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsPaid reports whether the contribution has a paid date.
func (c *Contribution) IsPaid() bool { return c.PaidDate != nil }

type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "PENDING"
	LoanStatusApproved  LoanStatus = "APPROVED"
	LoanStatusRepaid    LoanStatus = "REPAID"
	LoanStatusRejected  LoanStatus = "REJECTED"
	LoanStatusDefaulted LoanStatus = "DEFAULTED"
)

// ActiveLoanStatuses are the statuses that count as an outstanding obligation.
var ActiveLoanStatuses = []LoanStatus{LoanStatusPending, LoanStatusApproved}

// IsActive reports whether s is PENDING or APPROVED.
func (s LoanStatus) IsActive() bool {
	return s == LoanStatusPending || s == LoanStatusApproved
}

type Loan struct {
	ID                string          `json:"id"`
	GroupID           string          `json:"group_id"`
	BorrowerMemberID  string          `json:"borrower_member_id,omitempty"` // empty for non-member loans
	IsNonMember       bool            `json:"is_non_member"`
	NonMemberName     string          `json:"non_member_name,omitempty"`
	RequestedByUserID string          `json:"requested_by_user_id"`
	Amount            decimal.Decimal `json:"amount"`
	InterestRate      decimal.Decimal `json:"interest_rate"` // percent per month applied at request time
	TotalInterest     decimal.Decimal `json:"total_interest"`
	TermMonths        int             `json:"term_months"`
	Status            LoanStatus      `json:"status"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	DueDate           time.Time       `json:"due_date"`
	RepaidAmount      decimal.Decimal `json:"repaid_amount"`
	IsFullyRepaid     bool            `json:"is_fully_repaid"`
	DefaultNotified   bool            `json:"default_notified"`
	Version           int             `json:"version"` // bumped on every write, used for conditional updates
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TotalDue is principal plus interest.
func (l *Loan) TotalDue() decimal.Decimal {
	return l.Amount.Add(l.TotalInterest)
}

// Remaining is the unpaid balance, never negative.
func (l *Loan) Remaining() decimal.Decimal {
	r := l.TotalDue().Sub(l.RepaidAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// CoMaker links a loan to a member who jointly guarantees it.
type CoMaker struct {
	ID        string    `json:"id"`
	LoanID    string    `json:"loan_id"`
	MemberID  string    `json:"member_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LoanRepayment is an immutable record of one payment applied to a loan.
type LoanRepayment struct {
	ID          string          `json:"id"`
	LoanID      string          `json:"loan_id"`
	Amount      decimal.Decimal `json:"amount"`
	Principal   decimal.Decimal `json:"principal"`
	Interest    decimal.Decimal `json:"interest"`
	PaymentDate time.Time       `json:"payment_date"`
	Note        string          `json:"note,omitempty"`
}

type NotificationType string

const (
	NotificationLoanRequested      NotificationType = "LOAN_REQUESTED"
	NotificationLoanApproved       NotificationType = "LOAN_APPROVED"
	NotificationLoanRejected       NotificationType = "LOAN_REJECTED"
	NotificationLoanRepaid         NotificationType = "LOAN_REPAID"
	NotificationLoanDefaulted      NotificationType = "LOAN_DEFAULTED"
	NotificationLoanOverdue        NotificationType = "LOAN_OVERDUE"
	NotificationContributionDue    NotificationType = "CONTRIBUTION_DUE"
	NotificationContributionMissed NotificationType = "CONTRIBUTION_MISSED"
	NotificationMemberInactive     NotificationType = "MEMBER_INACTIVE"
	NotificationYearEnd            NotificationType = "YEAR_END_DISTRIBUTION"
)

type Notification struct {
	ID              string           `json:"id"`
	RecipientUserID string           `json:"recipient_user_id"`
	Type            NotificationType `json:"type"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	ActionLink      string           `json:"action_link,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}
