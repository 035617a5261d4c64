package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcclellann/sinkfund/pkg/ledger"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/shopspring/decimal"
)

type settingsRequest struct {
	MemberInterestRate    decimal.Decimal `json:"member_interest_rate"`
	NonMemberInterestRate decimal.Decimal `json:"non_member_interest_rate"`
	MaxLoanPercent        decimal.Decimal `json:"max_loan_percent"`
	LoanTermMonths        int             `json:"loan_term_months" validate:"required,min=1"`
	TermStartDate         time.Time       `json:"term_start_date" validate:"required"`
	TermEndDate           time.Time       `json:"term_end_date" validate:"required,gtfield=TermStartDate"`
	GracePeriodDays       *int            `json:"grace_period_days" validate:"omitempty,min=0"`
	DueSoonDays           *int            `json:"due_soon_days" validate:"omitempty,min=0"`
	YearEndDate           *time.Time      `json:"year_end_date"`
}

// apply copies the request onto base. Omitted optional fields keep base's values.
func (req settingsRequest) apply(base models.GroupSettings) models.GroupSettings {
	s := base
	s.MemberInterestRate = req.MemberInterestRate
	s.NonMemberInterestRate = req.NonMemberInterestRate
	s.MaxLoanPercent = req.MaxLoanPercent
	s.LoanTermMonths = req.LoanTermMonths
	s.TermStartDate = req.TermStartDate
	s.TermEndDate = req.TermEndDate
	s.YearEndDate = req.YearEndDate
	if req.GracePeriodDays != nil {
		s.GracePeriodDays = *req.GracePeriodDays
	}
	if req.DueSoonDays != nil {
		s.DueSoonDays = *req.DueSoonDays
	}
	return s
}

type createGroupRequest struct {
	Name                 string          `json:"name" validate:"required,max=100"`
	BiWeeklyContribution decimal.Decimal `json:"bi_weekly_contribution"`
	PersonalPayday       int             `json:"personal_payday" validate:"required,min=1,max=31"`
	Settings             settingsRequest `json:"settings"`
}

type joinGroupRequest struct {
	BiWeeklyContribution decimal.Decimal `json:"bi_weekly_contribution"`
	PersonalPayday       int             `json:"personal_payday" validate:"required,min=1,max=31"`
}

type loanRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	IsNonMember   bool            `json:"is_non_member"`
	NonMemberName string          `json:"non_member_name" validate:"required_if=IsNonMember true,max=200"`
	CoMakerID     string          `json:"co_maker_id" validate:"omitempty,max=64"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type repayRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note" validate:"max=500"`
}

type contributionRequest struct {
	MemberID string          `json:"member_id" validate:"omitempty,max=64"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note" validate:"max=500"`
}

func (s *Server) createGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !s.decode(w, r, &req) {
		return
	}

	group, member, err := s.ledger.CreateGroup(r.Context(), caller(r), ledger.NewGroup{
		Name:                 req.Name,
		Settings:             req.Settings.apply(models.GroupSettings{}),
		BiWeeklyContribution: req.BiWeeklyContribution,
		PersonalPayday:       req.PersonalPayday,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"group": group, "member": member})
}

func (s *Server) getGroupHandler(w http.ResponseWriter, r *http.Request) {
	group, err := s.ledger.GetGroup(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) updateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	var req settingsRequest
	if !s.decode(w, r, &req) {
		return
	}

	current, err := s.ledger.GetGroup(r.Context(), caller(r), groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	group, err := s.ledger.UpdateGroupSettings(r.Context(), caller(r), groupID, req.apply(current.Settings))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) joinGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req joinGroupRequest
	if !s.decode(w, r, &req) {
		return
	}

	member, err := s.ledger.JoinGroup(r.Context(), caller(r), mux.Vars(r)["id"], ledger.MemberPlan{
		BiWeeklyContribution: req.BiWeeklyContribution,
		PersonalPayday:       req.PersonalPayday,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Server) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := s.ledger.ListMembers(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) eligibilityHandler(w http.ResponseWriter, r *http.Request) {
	e, err := s.ledger.ComputeLoanEligibility(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) requestLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !s.decode(w, r, &req) {
		return
	}

	loan, err := s.ledger.RequestLoan(r.Context(), caller(r), ledger.LoanRequest{
		GroupID:       mux.Vars(r)["id"],
		Amount:        req.Amount,
		IsNonMember:   req.IsNonMember,
		NonMemberName: req.NonMemberName,
		CoMakerID:     req.CoMakerID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.ledger.GetLoan(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.ledger.ApproveLoan(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !s.decode(w, r, &req) {
		return
	}

	loan, err := s.ledger.RejectLoan(r.Context(), caller(r), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) repayLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if !s.decode(w, r, &req) {
		return
	}

	repayment, loan, err := s.ledger.RepayLoan(r.Context(), caller(r), mux.Vars(r)["id"], req.Amount, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"repayment": repayment, "loan": loan})
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	repayments, err := s.ledger.ListRepayments(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayments)
}

func (s *Server) recordContributionHandler(w http.ResponseWriter, r *http.Request) {
	var req contributionRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, member, err := s.ledger.RecordContribution(r.Context(), caller(r), ledger.DirectContribution{
		GroupID:  mux.Vars(r)["id"],
		MemberID: req.MemberID,
		Amount:   req.Amount,
		Note:     req.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contribution": c, "member": member})
}

func (s *Server) listContributionsHandler(w http.ResponseWriter, r *http.Request) {
	contributions, err := s.ledger.ListContributions(r.Context(), caller(r), mux.Vars(r)["id"], r.URL.Query().Get("member_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contributions)
}

func (s *Server) markPaidHandler(w http.ResponseWriter, r *http.Request) {
	c, member, err := s.ledger.MarkContributionPaid(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contribution": c, "member": member})
}

func (s *Server) previewDistributionHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.ComputeYearEndDistribution(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) executeDistributionHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.ExecuteYearEndDistribution(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
