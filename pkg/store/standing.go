package store

import (
	"strings"
	"time"

	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/shopspring/decimal"
)

// applyMiss records one more consecutive miss. The member goes inactive once
// the count reaches models.MissedPaymentLimit and stays inactive until a
// payment is recorded.
func applyMiss(m *models.Member, at time.Time) {
	m.MissedConsecutivePayments++
	if m.MissedConsecutivePayments >= models.MissedPaymentLimit {
		m.IsActive = false
	}
	m.UpdatedAt = at
}

// applyPayment credits a payment and restores the member to good standing.
func applyPayment(m *models.Member, amount decimal.Decimal, at time.Time) {
	m.MissedConsecutivePayments = 0
	m.IsActive = true
	m.TotalContributions = m.TotalContributions.Add(amount)
	m.UpdatedAt = at
}

// nonMemberKey is the case-folded name used for non-member loan exclusivity.
func nonMemberKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
