package calc

import (
	"sort"

	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/money"
	"github.com/shopspring/decimal"
)

const (
	ReasonInactive = "Inactive member (no interest share)"
	ReasonActive   = "Active member (proportional interest share)"
)

// MemberPayout is one member's share of the year-end distribution.
type MemberPayout struct {
	MemberID            string          `json:"member_id"`
	UserID              string          `json:"user_id"`
	ContributionAmount  decimal.Decimal `json:"contribution_amount"`
	ContributionPercent decimal.Decimal `json:"contribution_percent"`
	InterestShare       decimal.Decimal `json:"interest_share"`
	TotalPayout         decimal.Decimal `json:"total_payout"`
	Reason              string          `json:"reason"`
}

type Distribution struct {
	TotalPool           decimal.Decimal `json:"total_pool"`
	TotalInterestEarned decimal.Decimal `json:"total_interest_earned"`
	TotalPayout         decimal.Decimal `json:"total_payout"`
	Payouts             []MemberPayout  `json:"payouts"`
}

// InterestEarned sums the total interest of repaid loans only.
func InterestEarned(loans []*models.Loan) decimal.Decimal {
	total := decimal.Zero
	for _, l := range loans {
		if l.Status == models.LoanStatusRepaid {
			total = total.Add(l.TotalInterest)
		}
	}
	return total
}

// YearEndDistribution splits the interest earned on repaid loans among active
// members in proportion to their contributions. Every recorded contribution
// counts towards the pool whatever its payment state. Inactive members get
// their contributions back with no interest.
//
// Shares are whole cents allocated by largest remainder, so they never add up
// to more than the interest earned and add up to exactly that when every
// contributor is active.
func YearEndDistribution(members []*models.Member, contributions []*models.Contribution, loans []*models.Loan) Distribution {
	byMember := make(map[string]decimal.Decimal, len(members))
	pool := decimal.Zero
	for _, c := range contributions {
		pool = pool.Add(c.Amount)
		byMember[c.MemberID] = byMember[c.MemberID].Add(c.Amount)
	}
	earned := InterestEarned(loans)

	d := Distribution{
		TotalPool:           pool,
		TotalInterestEarned: earned,
		TotalPayout:         decimal.Zero,
		Payouts:             make([]MemberPayout, 0, len(members)),
	}
	exact := make([]decimal.Decimal, 0, len(members))
	for _, m := range members {
		contributed := byMember[m.ID]
		p := MemberPayout{
			MemberID:            m.ID,
			UserID:              m.UserID,
			ContributionAmount:  contributed,
			ContributionPercent: decimal.Zero,
			InterestShare:       decimal.Zero,
			Reason:              ReasonActive,
		}
		share := decimal.Zero
		if !m.IsActive {
			p.Reason = ReasonInactive
		} else if pool.IsPositive() {
			p.ContributionPercent = contributed.Div(pool)
			share = earned.Mul(p.ContributionPercent)
		}
		d.Payouts = append(d.Payouts, p)
		exact = append(exact, share)
	}

	allocateCents(d.Payouts, exact, earned)
	for i := range d.Payouts {
		p := &d.Payouts[i]
		p.TotalPayout = p.ContributionAmount.Add(p.InterestShare)
		d.TotalPayout = d.TotalPayout.Add(p.TotalPayout)
	}
	return d
}

// allocateCents floors every exact share to the cent and hands the cents left
// over to the shares with the largest remainders, earlier members first on ties.
func allocateCents(payouts []MemberPayout, exact []decimal.Decimal, earned decimal.Decimal) {
	target := money.Min(money.Round(money.Sum(exact...)), earned)
	allocated := decimal.Zero
	order := make([]int, 0, len(exact))
	for i, e := range exact {
		payouts[i].InterestShare = e.RoundFloor(money.Places)
		allocated = allocated.Add(payouts[i].InterestShare)
		if e.IsPositive() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra := exact[order[a]].Sub(payouts[order[a]].InterestShare)
		rb := exact[order[b]].Sub(payouts[order[b]].InterestShare)
		return ra.GreaterThan(rb)
	})

	cent := decimal.New(1, -money.Places)
	left := target.Sub(allocated).Div(cent).IntPart()
	for _, i := range order {
		if left <= 0 {
			break
		}
		payouts[i].InterestShare = payouts[i].InterestShare.Add(cent)
		left--
	}
}
