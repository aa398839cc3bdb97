package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/maneesh/labimport/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESMailerBuildsMessage(t *testing.T) {
	ses := &fakeSES{}
	m := NewSESMailerWithClient(ses, "noreply@example.com", logging.Nop())

	id, err := m.Send(context.Background(), models.EmailPayload{To: "owner@example.com", Subject: "Done", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.NotNil(t, ses.input)
	assert.Equal(t, "noreply@example.com", aws.ToString(ses.input.FromEmailAddress))
	assert.Equal(t, []string{"owner@example.com"}, ses.input.Destination.ToAddresses)
	assert.Equal(t, "Done", aws.ToString(ses.input.Content.Simple.Subject.Data))
	assert.Equal(t, "hello", aws.ToString(ses.input.Content.Simple.Body.Text.Data))
}

func TestSESMailerWrapsErrors(t *testing.T) {
	m := NewSESMailerWithClient(&fakeSES{err: errors.New("throttled")}, "a@b.c", logging.Nop())
	_, err := m.Send(context.Background(), models.EmailPayload{To: "x@y.z", Subject: "s"})
	assert.ErrorContains(t, err, "throttled")
}

func TestValidateRejectsBadRecipient(t *testing.T) {
	m := NewLogMailer(logging.Nop())
	_, err := m.Send(context.Background(), models.EmailPayload{To: "not-an-address", Subject: "s"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = m.Send(context.Background(), models.EmailPayload{To: "x@y.z"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestImportFinished(t *testing.T) {
	msg := ImportFinished("me@example.com", &models.JobStatus{
		ID: "job-9", Status: models.JobCompleted, OriginalFileName: "people.csv",
		TotalRows: 10, CreatedCount: 6, UpdatedCount: 2, SkippedCount: 2,
	})
	assert.Equal(t, "me@example.com", msg.To)
	assert.Equal(t, "Import of people.csv completed", msg.Subject)
	assert.Contains(t, msg.Body, "Created: 6")
	assert.NotContains(t, msg.Body, "Error:")
}
