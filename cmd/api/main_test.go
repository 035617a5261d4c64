package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcclellann/sinkfund/pkg/auth"
	"github.com/mcclellann/sinkfund/pkg/config"
	"github.com/mcclellann/sinkfund/pkg/jobs"
	"github.com/mcclellann/sinkfund/pkg/ledger"
	"github.com/mcclellann/sinkfund/pkg/metrics"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
)

const testJobSecret = "job-secret"

type testServer struct {
	router  http.Handler
	storage *store.MemoryStore
	tokens  *auth.JWTManager
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	l := ledger.NewLedger(s, nil,
		ledger.WithMetrics(m),
		ledger.WithClock(func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }))
	tokens := auth.NewJWTManager("test-secret", "sinkfund-test", time.Hour)

	server := NewServer(Deps{
		Ledger:    l,
		Storage:   s,
		Resolver:  tokens,
		Runner:    jobs.NewRunner(time.Hour, m, jobs.LedgerSweeps(l)...),
		Metrics:   m,
		Gatherer:  registry,
		JobSecret: testJobSecret,
	})
	return &testServer{router: server.Router(), storage: s, tokens: tokens}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := ts.tokens.Generate(&models.Identity{ID: userID, Email: userID + "@example.com", Name: userID})
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func groupBody() map[string]any {
	return map[string]any{
		"name":                   "Savers",
		"bi_weekly_contribution": "1000",
		"personal_payday":        15,
		"settings": map[string]any{
			"member_interest_rate":     "2",
			"non_member_interest_rate": "5",
			"max_loan_percent":         "50",
			"loan_term_months":         3,
			"term_start_date":          "2026-01-01T00:00:00Z",
			"term_end_date":            "2026-06-30T00:00:00Z",
			"year_end_date":            "2026-12-31T00:00:00Z",
		},
	}
}

func createGroup(t *testing.T, ts *testServer, token string) string {
	t.Helper()
	rr := ts.do(t, "POST", "/groups", token, groupBody())
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Group  models.Group  `json:"group"`
		Member models.Member `json:"member"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Member.Role != models.RoleAdmin {
		t.Errorf("Expected creator role %s, got %s", models.RoleAdmin, resp.Member.Role)
	}
	if resp.Group.Settings.GracePeriodDays != models.DefaultGracePeriodDays {
		t.Errorf("Expected default grace period %d, got %d", models.DefaultGracePeriodDays, resp.Group.Settings.GracePeriodDays)
	}
	return resp.Group.ID
}

func TestAPI_RequiresToken(t *testing.T) {
	ts := setupTestServer(t)

	if rr := ts.do(t, "GET", "/groups/abc", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without token, got %d", rr.Code)
	}
	if rr := ts.do(t, "GET", "/groups/abc", "not-a-jwt", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with bad token, got %d", rr.Code)
	}
	if rr := ts.do(t, "GET", "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 from healthz, got %d", rr.Code)
	}
}

func TestAPI_CreateAndJoinGroup(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.token(t, "u-admin")
	ana := ts.token(t, "u-ana")

	groupID := createGroup(t, ts, admin)

	if _, err := ts.storage.GetUser(t.Context(), "u-admin"); err != nil {
		t.Errorf("Expected caller profile to be cached: %v", err)
	}

	if rr := ts.do(t, "GET", "/groups/"+groupID, ana, nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for outsider, got %d", rr.Code)
	}
	if rr := ts.do(t, "GET", "/groups/missing", ana, nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown group, got %d", rr.Code)
	}

	join := map[string]any{"bi_weekly_contribution": "500", "personal_payday": 30}
	if rr := ts.do(t, "POST", "/groups/"+groupID+"/members", ana, join); rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 on join, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(t, "POST", "/groups/"+groupID+"/members", ana, join); rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 on second join, got %d", rr.Code)
	}

	rr := ts.do(t, "GET", "/groups/"+groupID+"/members", ana, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var members []models.Member
	json.Unmarshal(rr.Body.Bytes(), &members)
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}
}

func TestAPI_RequestValidation(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.token(t, "u-admin")
	groupID := createGroup(t, ts, admin)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"payday out of range", "/groups/" + groupID + "/members", map[string]any{"bi_weekly_contribution": "500", "personal_payday": 32}},
		{"missing group name", "/groups", map[string]any{"personal_payday": 1}},
		{"non-member without name", "/groups/" + groupID + "/loans", map[string]any{"amount": "100", "is_non_member": true}},
		{"malformed body", "/groups/" + groupID + "/loans", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, "POST", tt.path, admin, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	// Eligibility is zero before any savings.
	rr := ts.do(t, "POST", "/groups/"+groupID+"/loans", admin, map[string]any{"amount": "100"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for loan above eligibility, got %d", rr.Code)
	}
}

func TestAPI_LoanFlow(t *testing.T) {
	ts := setupTestServer(t)
	admin := ts.token(t, "u-admin")
	ana := ts.token(t, "u-ana")
	groupID := createGroup(t, ts, admin)

	join := map[string]any{"bi_weekly_contribution": "500", "personal_payday": 15}
	if rr := ts.do(t, "POST", "/groups/"+groupID+"/members", ana, join); rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 on join, got %d", rr.Code)
	}
	if rr := ts.do(t, "POST", "/groups/"+groupID+"/contributions", ana, map[string]any{"amount": "2000"}); rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 on contribution, got %d: %s", rr.Code, rr.Body.String())
	}

	rr := ts.do(t, "POST", "/groups/"+groupID+"/loans", ana, map[string]any{"amount": "1000"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 on loan request, got %d: %s", rr.Code, rr.Body.String())
	}
	var loan models.Loan
	json.Unmarshal(rr.Body.Bytes(), &loan)
	if loan.Status != models.LoanStatusPending {
		t.Errorf("Expected status %s, got %s", models.LoanStatusPending, loan.Status)
	}

	if rr := ts.do(t, "POST", "/loans/"+loan.ID+"/approve", ana, nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 when a member approves, got %d", rr.Code)
	}
	if rr := ts.do(t, "POST", "/loans/"+loan.ID+"/approve", admin, nil); rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on approve, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(t, "POST", "/loans/"+loan.ID+"/approve", admin, nil); rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 on second approve, got %d", rr.Code)
	}

	rr = ts.do(t, "POST", "/loans/"+loan.ID+"/repayments", ana, map[string]any{"amount": "5000"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 on repayment, got %d: %s", rr.Code, rr.Body.String())
	}
	var repaid struct {
		Repayment models.LoanRepayment `json:"repayment"`
		Loan      models.Loan          `json:"loan"`
	}
	json.Unmarshal(rr.Body.Bytes(), &repaid)
	if repaid.Loan.Status != models.LoanStatusRepaid {
		t.Errorf("Expected status %s, got %s", models.LoanStatusRepaid, repaid.Loan.Status)
	}
	if !repaid.Repayment.Amount.Equal(repaid.Loan.TotalDue()) {
		t.Errorf("Expected repayment clipped to %s, got %s", repaid.Loan.TotalDue(), repaid.Repayment.Amount)
	}

	if rr := ts.do(t, "GET", "/groups/"+groupID+"/distribution", ana, nil); rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 on distribution preview, got %d", rr.Code)
	}
	if rr := ts.do(t, "POST", "/groups/"+groupID+"/distribution", admin, nil); rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 before year end, got %d", rr.Code)
	}
}

func TestAPI_JobTrigger(t *testing.T) {
	ts := setupTestServer(t)

	trigger := func(name, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/jobs/"+name, nil)
		if secret != "" {
			req.Header.Set("X-Job-Secret", secret)
		}
		rr := httptest.NewRecorder()
		ts.router.ServeHTTP(rr, req)
		return rr
	}

	if rr := trigger(jobs.GenerateContributions, ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without secret, got %d", rr.Code)
	}
	if rr := trigger(jobs.GenerateContributions, "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with wrong secret, got %d", rr.Code)
	}
	if rr := trigger("no-such-job", testJobSecret); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown job, got %d", rr.Code)
	}

	rr := trigger(jobs.GenerateContributions, testJobSecret)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Job       string `json:"job"`
		Processed int    `json:"processed"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Job != jobs.GenerateContributions || resp.Processed != 0 {
		t.Errorf("Expected empty run of %s, got %+v", jobs.GenerateContributions, resp)
	}
}

func TestAPI_Metrics(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, "GET", "/healthz", "", nil)

	rr := ts.do(t, "GET", "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`sinkfund_http_request_duration_seconds`)) {
		t.Errorf("Expected HTTP latency histogram in metrics output")
	}
}

func TestNotificationSinksLogEmailStateOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	sinks := notificationSinks(context.Background(), config.EmailConfig{FromName: "Sinking Fund"}, store.NewMemoryStore())
	if len(sinks) != 1 || sinks[0].Name() != "store" {
		t.Fatalf("Expected only the store sink without a sender address, got %d sinks", len(sinks))
	}
	if n := bytes.Count(buf.Bytes(), []byte("Email notifications")); n != 1 {
		t.Errorf("Expected e-mail state logged once, got %d lines:\n%s", n, buf.String())
	}
}
