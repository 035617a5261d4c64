package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/models"
)

var _ Storage = (*MemoryStore)(nil)

// MemoryStore is an in-process Storage. A single mutex serializes every
// call, so each method is atomic. Values are copied in and out; callers never
// share memory with the store.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]models.User
	groups        map[string]models.Group
	members       map[string]models.Member
	contributions map[string]models.Contribution
	loans         map[string]models.Loan
	coMakers      map[string]models.CoMaker
	repayments    []models.LoanRepayment
	notifications []models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]models.User),
		groups:        make(map[string]models.Group),
		members:       make(map[string]models.Member),
		contributions: make(map[string]models.Contribution),
		loans:         make(map[string]models.Loan),
		coMakers:      make(map[string]models.CoMaker),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneGroup(g models.Group) *models.Group {
	g.Settings.YearEndDate = copyTime(g.Settings.YearEndDate)
	g.Settings.DistributionExecutedAt = copyTime(g.Settings.DistributionExecutedAt)
	return &g
}

func cloneContribution(c models.Contribution) *models.Contribution {
	c.PaidDate = copyTime(c.PaidDate)
	return &c
}

func cloneLoan(l models.Loan) *models.Loan {
	l.ApprovedAt = copyTime(l.ApprovedAt)
	return &l
}

func (m *MemoryStore) UpsertUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = *user
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	return &u, nil
}

func (m *MemoryStore) CreateGroup(_ context.Context, group *models.Group, owner *models.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[group.ID]; ok {
		return apperr.Conflict("group %s already exists", group.ID)
	}
	if err := m.checkNewMember(owner); err != nil {
		return err
	}
	m.groups[group.ID] = *cloneGroup(*group)
	m.members[owner.ID] = *owner
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id string) (*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, apperr.NotFound("group %s not found", id)
	}
	return cloneGroup(g), nil
}

func (m *MemoryStore) ListGroups(_ context.Context) ([]*models.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateGroupSettings(_ context.Context, groupID string, st models.GroupSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return apperr.NotFound("group %s not found", groupID)
	}
	st.DistributionExecutedAt = g.Settings.DistributionExecutedAt
	g.Settings = st
	m.groups[groupID] = *cloneGroup(g)
	return nil
}

func (m *MemoryStore) MarkDistributionExecuted(_ context.Context, groupID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return apperr.NotFound("group %s not found", groupID)
	}
	if g.Settings.DistributionExecutedAt != nil {
		return apperr.Conflict("year-end distribution has already been executed")
	}
	g.Settings.DistributionExecutedAt = &at
	m.groups[groupID] = g
	return nil
}

func (m *MemoryStore) checkNewMember(member *models.Member) error {
	for _, existing := range m.members {
		if existing.GroupID == member.GroupID && existing.UserID == member.UserID {
			return apperr.Conflict("user is already a member of this group")
		}
	}
	return nil
}

func (m *MemoryStore) CreateMember(_ context.Context, member *models.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[member.GroupID]; !ok {
		return apperr.NotFound("group %s not found", member.GroupID)
	}
	if err := m.checkNewMember(member); err != nil {
		return err
	}
	m.members[member.ID] = *member
	return nil
}

func (m *MemoryStore) GetMember(_ context.Context, id string) (*models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return nil, apperr.NotFound("member %s not found", id)
	}
	return &member, nil
}

func (m *MemoryStore) GetMemberByUser(_ context.Context, groupID, userID string) (*models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.GroupID == groupID && member.UserID == userID {
			return &member, nil
		}
	}
	return nil, apperr.NotFound("user is not a member of group %s", groupID)
}

func (m *MemoryStore) ListMembers(_ context.Context, groupID string) ([]*models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Member
	for _, member := range m.members {
		if member.GroupID == groupID {
			out = append(out, &member)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) hasContribution(memberID string, scheduled time.Time) bool {
	for _, c := range m.contributions {
		if c.MemberID == memberID && c.ScheduledDate.Equal(scheduled) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateContribution(_ context.Context, c *models.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasContribution(c.MemberID, c.ScheduledDate) {
		return apperr.Conflict("a contribution is already scheduled for %s", c.ScheduledDate.Format(time.DateOnly))
	}
	m.contributions[c.ID] = *cloneContribution(*c)
	return nil
}

func (m *MemoryStore) ContributionExists(_ context.Context, memberID string, scheduledDate time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasContribution(memberID, scheduledDate), nil
}

func (m *MemoryStore) GetContribution(_ context.Context, id string) (*models.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributions[id]
	if !ok {
		return nil, apperr.NotFound("contribution %s not found", id)
	}
	return cloneContribution(c), nil
}

func (m *MemoryStore) listContributions(match func(models.Contribution) bool) []*models.Contribution {
	var out []*models.Contribution
	for _, c := range m.contributions {
		if match(c) {
			out = append(out, cloneContribution(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) ListContributions(_ context.Context, filter ContributionFilter) ([]*models.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listContributions(func(c models.Contribution) bool {
		return (filter.GroupID == "" || c.GroupID == filter.GroupID) &&
			(filter.MemberID == "" || c.MemberID == filter.MemberID)
	}), nil
}

func (m *MemoryStore) ListOverdueContributions(_ context.Context, now time.Time) ([]*models.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listContributions(func(c models.Contribution) bool {
		return c.PaidDate == nil && !c.IsMissed && c.GracePeriodEnd.Before(now)
	}), nil
}

func (m *MemoryStore) RecordMissedContribution(_ context.Context, id string, at time.Time) (*MissedContribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributions[id]
	if !ok {
		return nil, apperr.NotFound("contribution %s not found", id)
	}
	if c.IsMissed || c.PaidDate != nil {
		return nil, apperr.Conflict("contribution %s is already paid or missed", id)
	}
	member, ok := m.members[c.MemberID]
	if !ok {
		return nil, apperr.NotFound("member %s not found", c.MemberID)
	}

	c.IsMissed = true
	c.UpdatedAt = at
	prev := member.MissedConsecutivePayments
	applyMiss(&member, at)
	m.contributions[id] = c
	m.members[member.ID] = member
	return &MissedContribution{Contribution: cloneContribution(c), Member: &member, PreviousMissed: prev}, nil
}

func (m *MemoryStore) SettleContribution(_ context.Context, id string, paidAt time.Time) (*models.Contribution, *models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributions[id]
	if !ok {
		return nil, nil, apperr.NotFound("contribution %s not found", id)
	}
	if c.PaidDate != nil {
		return nil, nil, apperr.Conflict("contribution %s is already paid", id)
	}
	member, ok := m.members[c.MemberID]
	if !ok {
		return nil, nil, apperr.NotFound("member %s not found", c.MemberID)
	}

	c.PaidDate = &paidAt
	c.IsMissed = false
	c.UpdatedAt = paidAt
	applyPayment(&member, c.Amount, paidAt)
	m.contributions[id] = c
	m.members[member.ID] = member
	return cloneContribution(c), &member, nil
}

func (m *MemoryStore) RecordPaidContribution(_ context.Context, c *models.Contribution) (*models.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasContribution(c.MemberID, c.ScheduledDate) {
		return nil, apperr.Conflict("a contribution is already recorded for %s", c.ScheduledDate.Format(time.DateOnly))
	}
	member, ok := m.members[c.MemberID]
	if !ok {
		return nil, apperr.NotFound("member %s not found", c.MemberID)
	}
	paidAt := c.CreatedAt
	if c.PaidDate != nil {
		paidAt = *c.PaidDate
	}
	applyPayment(&member, c.Amount, paidAt)
	m.contributions[c.ID] = *cloneContribution(*c)
	m.members[member.ID] = member
	return &member, nil
}

func (m *MemoryStore) activeLoan(memberID string) bool {
	for _, l := range m.loans {
		if l.BorrowerMemberID == memberID && l.Status.IsActive() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) activeCoMaker(memberID string) bool {
	for _, cm := range m.coMakers {
		if cm.MemberID != memberID {
			continue
		}
		if l, ok := m.loans[cm.LoanID]; ok && l.Status.IsActive() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) activeNonMember(groupID, name string) bool {
	key := nonMemberKey(name)
	for _, l := range m.loans {
		if l.GroupID == groupID && l.IsNonMember && nonMemberKey(l.NonMemberName) == key && l.Status.IsActive() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan, coMakers []*models.CoMaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loan.IsNonMember {
		if m.activeNonMember(loan.GroupID, loan.NonMemberName) {
			return apperr.Conflict("%s already has an active loan", loan.NonMemberName)
		}
	} else if m.activeLoan(loan.BorrowerMemberID) || m.activeCoMaker(loan.BorrowerMemberID) {
		return apperr.Conflict("borrower already has an active loan or co-maker obligation")
	}
	for _, cm := range coMakers {
		if m.activeLoan(cm.MemberID) || m.activeCoMaker(cm.MemberID) {
			return apperr.Conflict("co-maker already has an active loan or co-maker obligation")
		}
	}

	m.loans[loan.ID] = *cloneLoan(*loan)
	for _, cm := range coMakers {
		m.coMakers[cm.ID] = *cm
	}
	return nil
}

func (m *MemoryStore) GetLoan(_ context.Context, id string) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, apperr.NotFound("loan %s not found", id)
	}
	return cloneLoan(l), nil
}

func (m *MemoryStore) ListLoans(_ context.Context, filter LoanFilter) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Loan
	for _, l := range m.loans {
		if filter.GroupID != "" && l.GroupID != filter.GroupID {
			continue
		}
		if filter.BorrowerMemberID != "" && l.BorrowerMemberID != filter.BorrowerMemberID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, l.Status) {
			continue
		}
		if filter.DueOnOrBefore != nil && l.DueDate.After(*filter.DueOnOrBefore) {
			continue
		}
		out = append(out, cloneLoan(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListCoMakers(_ context.Context, loanID string) ([]*models.CoMaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CoMaker
	for _, cm := range m.coMakers {
		if cm.LoanID == loanID {
			out = append(out, &cm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) HasActiveLoan(_ context.Context, memberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLoan(memberID), nil
}

func (m *MemoryStore) HasActiveNonMemberLoan(_ context.Context, groupID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeNonMember(groupID, name), nil
}

func (m *MemoryStore) HasActiveCoMakerRole(_ context.Context, memberID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCoMaker(memberID), nil
}

func (m *MemoryStore) casLoan(loan *models.Loan, expected models.LoanStatus) error {
	stored, ok := m.loans[loan.ID]
	if !ok {
		return apperr.NotFound("loan %s not found", loan.ID)
	}
	if stored.Status != expected || stored.Version != loan.Version {
		return apperr.Conflict("loan %s was changed by another request or is no longer %s", loan.ID, expected)
	}
	return nil
}

func (m *MemoryStore) UpdateLoan(_ context.Context, loan *models.Loan, expected models.LoanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.casLoan(loan, expected); err != nil {
		return err
	}
	loan.Version++
	m.loans[loan.ID] = *cloneLoan(*loan)
	return nil
}

func (m *MemoryStore) ApplyRepayment(_ context.Context, rep *models.LoanRepayment, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.casLoan(loan, models.LoanStatusApproved); err != nil {
		return err
	}
	m.repayments = append(m.repayments, *rep)
	loan.Version++
	m.loans[loan.ID] = *cloneLoan(*loan)
	return nil
}

func (m *MemoryStore) ListRepayments(_ context.Context, loanID string) ([]*models.LoanRepayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LoanRepayment
	for _, r := range m.repayments {
		if r.LoanID == loanID {
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return nil
}

// Notifications returns a copy of every stored notification, oldest first.
func (m *MemoryStore) Notifications() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.notifications)
}

func (m *MemoryStore) Close() error {
	return nil
}
