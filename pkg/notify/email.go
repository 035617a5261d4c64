package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/mcclellann/sinkfund/pkg/models"
)

// SESAPI is the subset of the SES client used for sending.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// UserLookup resolves a recipient's address from the profile cache.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type EmailConfig struct {
	Region     string
	FromEmail  string
	FromName   string
	AppBaseURL string
}

// EmailSink sends notifications through Amazon SES.
type EmailSink struct {
	client     SESAPI
	users      UserLookup
	fromEmail  string
	fromName   string
	appBaseURL string
	enabled    bool
}

// NewEmailSink loads the AWS configuration and creates an SES client. With no
// from address the sink is disabled and Deliver does nothing.
func NewEmailSink(ctx context.Context, cfg EmailConfig, users UserLookup) (*EmailSink, error) {
	if cfg.FromEmail == "" {
		slog.Info("Email notifications disabled: SES_FROM_EMAIL not configured")
		return &EmailSink{enabled: false}, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	slog.Info("Email notifications enabled", "from", cfg.FromEmail, "region", cfg.Region)
	return NewEmailSinkWithClient(sesv2.NewFromConfig(awsCfg), cfg, users), nil
}

func NewEmailSinkWithClient(client SESAPI, cfg EmailConfig, users UserLookup) *EmailSink {
	return &EmailSink{
		client:     client,
		users:      users,
		fromEmail:  cfg.FromEmail,
		fromName:   cfg.FromName,
		appBaseURL: strings.TrimRight(cfg.AppBaseURL, "/"),
		enabled:    cfg.FromEmail != "",
	}
}

func (s *EmailSink) IsEnabled() bool { return s.enabled }

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, n *models.Notification) error {
	if !s.enabled {
		return nil
	}

	user, err := s.users.GetUser(ctx, n.RecipientUserID)
	if err != nil {
		return fmt.Errorf("failed to look up recipient %s: %w", n.RecipientUserID, err)
	}
	if user.Email == "" {
		slog.Debug("Skipping email for user without address", "user_id", user.ID)
		return nil
	}

	link := s.link(n.ActionLink)
	textBody, htmlBody := renderBodies(user.Name, n.Message, link)
	return s.send(ctx, user.Email, n.Title, htmlBody, textBody)
}

func (s *EmailSink) link(actionLink string) string {
	if actionLink == "" || strings.HasPrefix(actionLink, "http://") || strings.HasPrefix(actionLink, "https://") {
		return actionLink
	}
	return s.appBaseURL + "/" + strings.TrimLeft(actionLink, "/")
}

func renderBodies(name, message, link string) (string, string) {
	var text strings.Builder
	fmt.Fprintf(&text, "Hi %s,\n\n%s\n", name, message)
	if link != "" {
		fmt.Fprintf(&text, "\nView details: %s\n", link)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "<!DOCTYPE html>\n<html>\n<body style=\"font-family: Arial, sans-serif; line-height: 1.6; color: #333;\">\n")
	fmt.Fprintf(&body, "<p>Hi %s,</p>\n<p>%s</p>\n", html.EscapeString(name), html.EscapeString(message))
	if link != "" {
		fmt.Fprintf(&body, "<p><a href=\"%s\">View details</a></p>\n", html.EscapeString(link))
	}
	body.WriteString("</body>\n</html>\n")

	return text.String(), body.String()
}

func (s *EmailSink) send(ctx context.Context, toEmail, subject, htmlBody, textBody string) error {
	fromAddress := s.fromEmail
	if s.fromName != "" {
		fromAddress = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{toEmail},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Html: &types.Content{
						Data:    aws.String(htmlBody),
						Charset: aws.String("UTF-8"),
					},
					Text: &types.Content{
						Data:    aws.String(textBody),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", toEmail, err)
	}
	slog.Debug("Email sent", "to", toEmail, "subject", subject)
	return nil
}
