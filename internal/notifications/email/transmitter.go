// Package email implements the email mirror transmitter over AWS SES v2.
// Email is a best-effort secondary channel: a send problem is logged and
// reported as ignorable so it can never fail a delivery job.
package email

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"appserver/internal/notifications/core"
	"appserver/internal/types"
)

// TransmitterName is the name this channel reports in outcomes and logs.
const TransmitterName = "email"

// SESAPI defines the subset of the SES v2 client used by the transmitter.
// Extracted for testability.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// UserStore is the subset of the user repository the transmitter needs to
// resolve the recipient's email address.
type UserStore interface {
	Get(ctx context.Context, projectID, subjectID string) (*types.User, error)
}

// Transmitter mirrors notifications to email for subjects whose
// notification enables the email channel. The AWS SDK handles retries
// internally, so sends go straight to the SES API. Authentication is via
// ambient IAM credentials.
type Transmitter struct {
	api           SESAPI
	users         UserStore
	from          string
	configSetName string
	logger        *slog.Logger
}

// TransmitterConfig holds the configuration for creating a Transmitter.
type TransmitterConfig struct {
	// API is the SES v2 client (or a mock in tests).
	API SESAPI
	// Users resolves recipient addresses.
	Users UserStore
	// From is the verified sender address.
	From string
	// ConfigSetName is the SES configuration set for tracking. Optional.
	ConfigSetName string
	// Logger for send operations.
	Logger *slog.Logger
}

// NewTransmitter creates an email transmitter.
func NewTransmitter(cfg TransmitterConfig) *Transmitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{
		api:           cfg.API,
		users:         cfg.Users,
		from:          cfg.From,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// NewTransmitterFromConfig creates an email transmitter backed by a real
// SES client built from the given AWS config.
func NewTransmitterFromConfig(awsCfg aws.Config, cfg TransmitterConfig) *Transmitter {
	cfg.API = sesv2.NewFromConfig(awsCfg)
	return NewTransmitter(cfg)
}

// Name implements the transmitter contract.
func (t *Transmitter) Name() string { return TransmitterName }

// SendNotification mirrors the notification to the subject's email address.
// Skips silently (ignorable) when the notification has not enabled the
// email channel or the subject has no address; any SES failure is logged
// and likewise reported ignorable.
func (t *Transmitter) SendNotification(ctx context.Context, n *types.Notification) error {
	if !n.EmailEnabled {
		return types.NewTransmitError(types.TransmitIgnorable, TransmitterName,
			"email channel not enabled for this notification", nil)
	}

	user, err := t.users.Get(ctx, n.ProjectID, n.SubjectID)
	if err != nil {
		t.logger.Warn("could not resolve recipient for email mirror",
			"projectId", n.ProjectID,
			"subjectId", n.SubjectID,
			"error", err,
		)
		return types.NewTransmitError(types.TransmitIgnorable, TransmitterName,
			"failed to resolve recipient", err)
	}
	if user.Email == "" {
		t.logger.Warn("notification has email enabled but subject has no address",
			"projectId", n.ProjectID,
			"subjectId", n.SubjectID,
			"messageId", n.ID,
		)
		return types.NewTransmitError(types.TransmitIgnorable, TransmitterName,
			"subject has no email address", nil)
	}

	subject, body := emailContent(n)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{user.Email},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{
					Text: &sestypes.Content{
						Data:    aws.String(body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
	if t.configSetName != "" {
		input.ConfigurationSetName = aws.String(t.configSetName)
	}

	if _, err := t.api.SendEmail(ctx, input); err != nil {
		t.logger.Warn("email mirror send failed",
			"projectId", n.ProjectID,
			"subjectId", n.SubjectID,
			"messageId", n.ID,
			"error", err,
		)
		return types.NewTransmitError(types.TransmitIgnorable, TransmitterName,
			"email provider rejected send", err)
	}
	return nil
}

// emailContent resolves the subject and body, preferring the dedicated
// email fields and falling back to the notification's title and body.
func emailContent(n *types.Notification) (subject, body string) {
	subject = n.EmailTitle
	if subject == "" {
		subject = n.Title
	}
	body = n.EmailBody
	if body == "" {
		body = n.Body
	}
	return subject, body
}

// Compile-time assertion that Transmitter satisfies the channel contract.
var _ core.NotificationTransmitter = (*Transmitter)(nil)
