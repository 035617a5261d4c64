// Package ledger orchestrates the fund's operations: it authorizes the caller,
// validates preconditions, drives the calculators in pkg/calc and applies the
// resulting state changes through store.Storage. Notifications go out only
// after the state change has been written and never affect its outcome.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/metrics"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/notify"
	"github.com/mcclellann/sinkfund/pkg/store"
)

// DefaultDueSoonDays is how far ahead of a loan's due date the borrower is reminded.
const DefaultDueSoonDays = 3

// Ledger handles the business logic for contributions, loans and distributions.
type Ledger struct {
	storage     store.Storage
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	now         func() time.Time
	dueSoonDays int
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithDueSoonDays sets the lead time given to groups created without one.
func WithDueSoonDays(days int) Option {
	return func(l *Ledger) { l.dueSoonDays = days }
}

// NewLedger creates a new Ledger with a given Storage implementation. A nil
// notifier drops every notification.
func NewLedger(s store.Storage, n notify.Notifier, opts ...Option) *Ledger {
	if n == nil {
		n = discard{}
	}
	l := &Ledger{
		storage:     s,
		notifier:    n,
		now:         time.Now,
		dueSoonDays: DefaultDueSoonDays,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type discard struct{}

func (discard) Notify(context.Context, models.Notification) {}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

// membership returns the caller's member record in the group. Callers outside
// the group are Unauthorized.
func (l *Ledger) membership(ctx context.Context, actor *models.Identity, groupID string) (*models.Member, error) {
	if actor == nil || actor.ID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	m, err := l.storage.GetMemberByUser(ctx, groupID, actor.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		if _, gerr := l.storage.GetGroup(ctx, groupID); gerr != nil {
			return nil, gerr
		}
		return nil, apperr.Unauthorized("not a member of group %s", groupID)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// requireAdmin is membership restricted to ADMIN members.
func (l *Ledger) requireAdmin(ctx context.Context, actor *models.Identity, groupID string) (*models.Member, error) {
	m, err := l.membership(ctx, actor, groupID)
	if err != nil {
		return nil, err
	}
	if m.Role != models.RoleAdmin {
		return nil, apperr.Unauthorized("group admin role required")
	}
	return m, nil
}

// send queues one notification per distinct non-empty recipient.
func (l *Ledger) send(ctx context.Context, recipients []string, typ models.NotificationType, title, message, link string) {
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		l.notifier.Notify(ctx, models.Notification{
			RecipientUserID: r,
			Type:            typ,
			Title:           title,
			Message:         message,
			ActionLink:      link,
			CreatedAt:       l.clock(),
		})
	}
}
