// Package notify delivers the e-mails queued as send-email jobs.
package notify

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/models"
	"go.uber.org/zap"
)

// Mailer sends one message and returns a provider message id
type Mailer interface {
	Send(ctx context.Context, msg models.EmailPayload) (string, error)
}

// Validate rejects messages that can never be delivered
func Validate(msg models.EmailPayload) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return fmt.Errorf("%w: recipient %q: %v", apperr.ErrInvalidArgument, msg.To, err)
	}
	if msg.Subject == "" {
		return fmt.Errorf("%w: subject is required", apperr.ErrInvalidArgument)
	}
	return nil
}

// SESAPI is the subset of the SES v2 client in use
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESMailer sends through AWS SES
type SESMailer struct {
	client SESAPI
	from   string
	log    *zap.SugaredLogger
}

// NewSESMailer builds an SES client from the default AWS credential chain
func NewSESMailer(ctx context.Context, region, from string, log *zap.SugaredLogger) (*SESMailer, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESMailerWithClient(sesv2.NewFromConfig(cfg), from, log), nil
}

// NewSESMailerWithClient wraps an existing SES client
func NewSESMailerWithClient(client SESAPI, from string, log *zap.SugaredLogger) *SESMailer {
	return &SESMailer{client: client, from: from, log: log}
}

func (m *SESMailer) Send(ctx context.Context, msg models.EmailPayload) (string, error) {
	if err := Validate(msg); err != nil {
		return "", err
	}

	out, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to send e-mail via SES: %w", err)
	}

	id := aws.ToString(out.MessageId)
	m.log.Infow("e-mail sent", "to", msg.To, "subject", msg.Subject, "messageID", id)
	return id, nil
}

// LogMailer only logs messages; used when e-mail is disabled
type LogMailer struct {
	log *zap.SugaredLogger
}

// NewLogMailer creates a LogMailer
func NewLogMailer(log *zap.SugaredLogger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(_ context.Context, msg models.EmailPayload) (string, error) {
	if err := Validate(msg); err != nil {
		return "", err
	}
	m.log.Infow("e-mail delivery disabled, message logged", "to", msg.To, "subject", msg.Subject)
	return "logged", nil
}

// ImportFinished composes the notice sent to the owner of a data import
func ImportFinished(to string, js *models.JobStatus) models.EmailPayload {
	subject := fmt.Sprintf("Import of %s %s", displayName(js), js.Status)
	body := fmt.Sprintf("Your import job %s finished with status %s.\n\n"+
		"Rows: %d\nCreated: %d\nUpdated: %d\nSkipped: %d\nErrors: %d\n",
		js.ID, js.Status, js.TotalRows, js.CreatedCount, js.UpdatedCount, js.SkippedCount, js.ErrorCount)
	if js.ErrorMsg != "" {
		body += "\nError: " + js.ErrorMsg + "\n"
	}
	return models.EmailPayload{To: to, Subject: subject, Body: body}
}

func displayName(js *models.JobStatus) string {
	if js.OriginalFileName != "" {
		return js.OriginalFileName
	}
	return js.FileName
}
