package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/mcclellann/sinkfund/pkg/metrics"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type failingSink struct{}

func (failingSink) Name() string { return "broken" }
func (failingSink) Deliver(context.Context, *models.Notification) error {
	return errors.New("channel down")
}

type fakeSES struct {
	mu     sync.Mutex
	inputs []*sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &sesv2.SendEmailOutput{}, nil
}

func TestDispatcherPersistsDespiteFailingSink(t *testing.T) {
	st := store.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(m, failingSink{}, NewStoreSink(st))

	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, models.Notification{
		RecipientUserID: "u1",
		Type:            models.NotificationLoanApproved,
		Title:           "Loan approved",
		Message:         "Your loan was approved.",
	})
	cancel()
	d.Wait()

	got := st.Notifications()
	if len(got) != 1 {
		t.Fatalf("Expected 1 stored notification, got %d", len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Errorf("Expected ID and CreatedAt to be set, got %+v", got[0])
	}
	if v := testutil.ToFloat64(m.NotificationFailures.WithLabelValues("broken")); v != 1 {
		t.Errorf("Expected 1 failure on broken channel, got %v", v)
	}
	if v := testutil.ToFloat64(m.NotificationsSent.WithLabelValues("store")); v != 1 {
		t.Errorf("Expected 1 delivery on store channel, got %v", v)
	}
}

func TestStoreSinkRequiresRecipient(t *testing.T) {
	s := NewStoreSink(store.NewMemoryStore())
	if err := s.Deliver(context.Background(), &models.Notification{Title: "x"}); err == nil {
		t.Error("Expected error for notification without recipient")
	}
}

func TestEmailSink(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.UpsertUser(ctx, &models.User{ID: "u1", Email: "ana@example.com", Name: "Ana"}); err != nil {
		t.Fatalf("Failed to upsert user: %v", err)
	}

	ses := &fakeSES{}
	s := NewEmailSinkWithClient(ses, EmailConfig{
		FromEmail:  "fund@example.com",
		FromName:   "Sinking Fund",
		AppBaseURL: "https://fund.example.com/",
	}, st)

	err := s.Deliver(ctx, &models.Notification{
		RecipientUserID: "u1",
		Title:           "Loan repaid",
		Message:         "Loan <1> is fully repaid.",
		ActionLink:      "/loans/l1",
	})
	if err != nil {
		t.Fatalf("Failed to deliver email: %v", err)
	}

	if len(ses.inputs) != 1 {
		t.Fatalf("Expected 1 email, got %d", len(ses.inputs))
	}
	in := ses.inputs[0]
	if *in.FromEmailAddress != "Sinking Fund <fund@example.com>" {
		t.Errorf("Expected from address with name, got %s", *in.FromEmailAddress)
	}
	if in.Destination.ToAddresses[0] != "ana@example.com" {
		t.Errorf("Expected recipient ana@example.com, got %v", in.Destination.ToAddresses)
	}
	text := *in.Content.Simple.Body.Text.Data
	if !strings.Contains(text, "https://fund.example.com/loans/l1") {
		t.Errorf("Expected absolute link in text body, got %q", text)
	}
	if html := *in.Content.Simple.Body.Html.Data; !strings.Contains(html, "Loan &lt;1&gt;") {
		t.Errorf("Expected escaped message in html body, got %q", html)
	}

	if err := s.Deliver(ctx, &models.Notification{RecipientUserID: "missing", Title: "x"}); err == nil {
		t.Error("Expected error for unknown recipient")
	}
}

func TestEmailSinkDisabledWithoutSender(t *testing.T) {
	s, err := NewEmailSink(context.Background(), EmailConfig{Region: "us-east-1"}, store.NewMemoryStore())
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	if s.IsEnabled() {
		t.Error("Expected sink to be disabled")
	}
	if err := s.Deliver(context.Background(), &models.Notification{RecipientUserID: "u1"}); err != nil {
		t.Errorf("Expected disabled sink to drop silently, got %v", err)
	}
}
