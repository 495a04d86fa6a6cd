package fcm

import (
	"context"
	"errors"
	"log/slog"

	"appserver/internal/notifications/core"
	"appserver/internal/types"
)

// TransmitterName is the name this channel reports in outcomes and logs.
const TransmitterName = "fcm"

// UserStore is the subset of the user repository the transmitter needs to
// resolve the recipient's registration token.
type UserStore interface {
	Get(ctx context.Context, projectID, subjectID string) (*types.User, error)
}

// Sender is the slice of the FCM client the transmitter uses. Extracted for
// testability.
type Sender interface {
	Send(ctx context.Context, msg *message) error
}

// Transmitter delivers notifications and data messages over FCM. It resolves
// the recipient's token at send time and classifies every vendor failure
// into the delivery taxonomy; in particular a permanently invalid token is
// reported as an invalid target so the executor can purge the subject's
// pending deliveries.
type Transmitter struct {
	client Sender
	users  UserStore
	logger *slog.Logger
}

// TransmitterConfig holds the configuration for creating a Transmitter.
type TransmitterConfig struct {
	Client Sender
	Users  UserStore
	Logger *slog.Logger
}

// NewTransmitter creates an FCM transmitter.
func NewTransmitter(cfg TransmitterConfig) *Transmitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{
		client: cfg.Client,
		users:  cfg.Users,
		logger: logger,
	}
}

// Name implements the transmitter contracts.
func (t *Transmitter) Name() string { return TransmitterName }

// SendNotification delivers a user-visible notification.
func (t *Transmitter) SendNotification(ctx context.Context, n *types.Notification) error {
	token, terr := t.resolveToken(ctx, &n.MessageBase)
	if terr != nil {
		return terr
	}
	return t.classify(t.client.Send(ctx, notificationMessage(n, token)))
}

// SendDataMessage delivers a silent data message.
func (t *Transmitter) SendDataMessage(ctx context.Context, d *types.DataMessage) error {
	token, terr := t.resolveToken(ctx, &d.MessageBase)
	if terr != nil {
		return terr
	}
	return t.classify(t.client.Send(ctx, dataMessage(d, token)))
}

// resolveToken returns the registration token for token-targeted messages.
// Topic and condition targets need no token. A subject without a stored
// token is an ignorable skip, not a failure.
func (t *Transmitter) resolveToken(ctx context.Context, base *types.MessageBase) (string, *types.TransmitError) {
	if base.FCMTopic != "" || base.FCMCondition != "" {
		return "", nil
	}

	user, err := t.users.Get(ctx, base.ProjectID, base.SubjectID)
	if err != nil {
		if types.IsNotFound(err) {
			return "", types.NewTransmitError(types.TransmitIgnorable, TransmitterName,
				"subject is not registered", err)
		}
		return "", types.NewTransmitError(types.TransmitFatal, TransmitterName,
			"failed to resolve recipient", err)
	}
	if user.FCMToken == "" {
		return "", types.NewTransmitError(types.TransmitIgnorable, TransmitterName,
			"subject has no fcm token", nil)
	}
	return user.FCMToken, nil
}

// classify translates a send failure into a tagged TransmitError.
//
//   - UNREGISTERED: the token is permanently invalid (invalid target).
//   - UNAVAILABLE, QUOTA_EXCEEDED, INTERNAL, or an exhausted-retries
//     upstream failure: transient (retryable later).
//   - Anything else (INVALID_ARGUMENT, SENDER_ID_MISMATCH, auth errors):
//     fatal.
func (t *Transmitter) classify(err error) error {
	if err == nil {
		return nil
	}

	if ve, ok := asVendorError(err); ok {
		switch ve.ErrorCode {
		case codeUnregistered:
			return types.NewTransmitError(types.TransmitInvalidTarget, TransmitterName,
				"registration token is no longer valid", err)
		case codeUnavailable, codeQuotaExceeded, codeInternal:
			return types.NewTransmitError(types.TransmitRetryableLater, TransmitterName,
				"fcm temporarily unavailable", err)
		default:
			return types.NewTransmitError(types.TransmitFatal, TransmitterName,
				"fcm rejected message", err)
		}
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeUpstreamRateLimited, types.ErrCodeUpstreamUnavailable:
			return types.NewTransmitError(types.TransmitRetryableLater, TransmitterName,
				"fcm temporarily unavailable", err)
		}
	}

	return types.NewTransmitError(types.TransmitFatal, TransmitterName,
		"fcm send failed", err)
}

// Compile-time assertions that Transmitter satisfies both channel contracts.
var (
	_ core.NotificationTransmitter = (*Transmitter)(nil)
	_ core.DataMessageTransmitter  = (*Transmitter)(nil)
)
