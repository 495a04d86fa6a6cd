package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"appserver/internal/external"
	"appserver/internal/types"
)

const defaultEndpoint = "https://fcm.googleapis.com"

// errorInfoType marks the v1 error detail that carries the FCM error code.
const errorInfoType = "type.googleapis.com/google.firebase.fcm.v1.error.ErrorCode"

// Vendor error codes from the FCM v1 API. UNREGISTERED means the
// registration token is permanently invalid; UNAVAILABLE and QUOTA_EXCEEDED
// are transient.
const (
	codeUnregistered  = "UNREGISTERED"
	codeUnavailable   = "UNAVAILABLE"
	codeQuotaExceeded = "QUOTA_EXCEEDED"
	codeInternal      = "INTERNAL"
)

// TokenProvider supplies the OAuth2 bearer token for the FCM v1 API.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticTokenProvider returns a fixed token. Intended for tests and for
// deployments where an ambient credential helper refreshes the token file.
type StaticTokenProvider string

// AccessToken implements TokenProvider.
func (s StaticTokenProvider) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// vendorError is a send failure the FCM API reported with a code the
// transmitter can classify.
type vendorError struct {
	Status     string // google.rpc.Code name, e.g. "NOT_FOUND"
	ErrorCode  string // FCM code, e.g. "UNREGISTERED"
	HTTPStatus int
}

func (e *vendorError) Error() string {
	return fmt.Sprintf("fcm send failed: %s (%s, http %d)", e.ErrorCode, e.Status, e.HTTPStatus)
}

// errorResponse mirrors the v1 error envelope.
type errorResponse struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	// ProjectID is the Firebase project whose messages:send endpoint is used.
	ProjectID string
	// Tokens supplies bearer tokens for each request.
	Tokens TokenProvider
	// Endpoint overrides the FCM base URL. Intended for tests.
	Endpoint string
	// HTTPClient overrides the underlying HTTP client.
	HTTPClient *http.Client
	// Logger for send operations.
	Logger *slog.Logger
}

// Client posts messages to the FCM HTTP v1 API through the shared resilient
// base client. Transient upstream failures (429, 5xx) are retried there;
// definitive vendor rejections come back as *vendorError.
type Client struct {
	base      *external.Client
	endpoint  string
	projectID string
	tokens    TokenProvider
	logger    *slog.Logger
}

// NewClient creates an FCM client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		base: external.NewClient(external.ClientConfig{
			HTTPClient:  cfg.HTTPClient,
			BreakerName: "fcm",
			UserAgent:   "appserver/1.0",
		}),
		endpoint:  endpoint,
		projectID: cfg.ProjectID,
		tokens:    cfg.Tokens,
		logger:    logger,
	}
}

// Send posts one message. A nil error means FCM accepted the message; a
// *vendorError carries the FCM rejection code; a *types.AppError reports an
// exhausted-retries upstream failure.
func (c *Client) Send(ctx context.Context, msg *message) error {
	body, err := json.Marshal(sendRequest{Message: msg})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode fcm message", err)
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamFCM, "failed to obtain fcm access token", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpoint, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build fcm request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	return c.parseError(resp)
}

// parseError extracts the vendor error code from a non-2xx response body.
func (c *Client) parseError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return &vendorError{Status: "UNKNOWN", HTTPStatus: resp.StatusCode}
	}

	var envelope errorResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.logger.Warn("unparseable fcm error response",
			"status", resp.StatusCode,
			"body", string(raw),
		)
		return &vendorError{Status: "UNKNOWN", HTTPStatus: resp.StatusCode}
	}

	ve := &vendorError{
		Status:     envelope.Error.Status,
		HTTPStatus: resp.StatusCode,
	}
	for _, d := range envelope.Error.Details {
		if d.Type == errorInfoType {
			ve.ErrorCode = d.ErrorCode
			break
		}
	}
	return ve
}

// asVendorError extracts a *vendorError from an error chain.
func asVendorError(err error) (*vendorError, bool) {
	var ve *vendorError
	ok := errors.As(err, &ve)
	return ve, ok
}
