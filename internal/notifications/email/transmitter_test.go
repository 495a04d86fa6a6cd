package email

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"appserver/internal/types"
)

// mockSES records send inputs and returns a configurable error.
type mockSES struct {
	inputs  []*sesv2.SendEmailInput
	sendErr error
}

func (m *mockSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sesv2.SendEmailOutput{}, nil
}

type mockUserStore struct {
	user   *types.User
	getErr error
}

func (m *mockUserStore) Get(ctx context.Context, projectID, subjectID string) (*types.User, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.user, nil
}

func emailNotification() *types.Notification {
	return &types.Notification{
		MessageBase:  types.MessageBase{ID: 1, ProjectID: "p", SubjectID: "s"},
		Title:        "Reminder",
		Body:         "Fill in the questionnaire",
		EmailEnabled: true,
	}
}

func newTestTransmitter(api *mockSES, users *mockUserStore) *Transmitter {
	return NewTransmitter(TransmitterConfig{
		API:   api,
		Users: users,
		From:  "noreply@example.org",
	})
}

func ignorableClass(t *testing.T, err error) {
	t.Helper()
	var te *types.TransmitError
	if !errors.As(err, &te) {
		t.Fatalf("expected *types.TransmitError, got %T: %v", err, err)
	}
	if te.Class != types.TransmitIgnorable {
		t.Errorf("expected ignorable, got %s", te.Class)
	}
	if te.FailsJob() {
		t.Error("email failure must never fail the job")
	}
}

func TestSendNotification_SendsToSubjectAddress(t *testing.T) {
	api := &mockSES{}
	users := &mockUserStore{user: &types.User{Email: "subject@example.org"}}
	tr := newTestTransmitter(api, users)

	if err := tr.SendNotification(context.Background(), emailNotification()); err != nil {
		t.Fatalf("expected success, got: %v", err)
	}

	if len(api.inputs) != 1 {
		t.Fatalf("expected 1 send, got %d", len(api.inputs))
	}
	input := api.inputs[0]
	if input.Destination.ToAddresses[0] != "subject@example.org" {
		t.Errorf("unexpected destination: %v", input.Destination.ToAddresses)
	}
	if *input.FromEmailAddress != "noreply@example.org" {
		t.Errorf("unexpected sender: %s", *input.FromEmailAddress)
	}
	if *input.Content.Simple.Subject.Data != "Reminder" {
		t.Errorf("expected subject fallback to title, got %s", *input.Content.Simple.Subject.Data)
	}
	if *input.Content.Simple.Body.Text.Data != "Fill in the questionnaire" {
		t.Errorf("expected body fallback, got %s", *input.Content.Simple.Body.Text.Data)
	}
}

func TestSendNotification_DedicatedEmailFieldsWin(t *testing.T) {
	api := &mockSES{}
	users := &mockUserStore{user: &types.User{Email: "subject@example.org"}}
	tr := newTestTransmitter(api, users)

	n := emailNotification()
	n.EmailTitle = "Weekly summary"
	n.EmailBody = "Here is your weekly summary."

	if err := tr.SendNotification(context.Background(), n); err != nil {
		t.Fatalf("expected success, got: %v", err)
	}

	input := api.inputs[0]
	if *input.Content.Simple.Subject.Data != "Weekly summary" {
		t.Errorf("expected dedicated email title, got %s", *input.Content.Simple.Subject.Data)
	}
	if *input.Content.Simple.Body.Text.Data != "Here is your weekly summary." {
		t.Errorf("expected dedicated email body, got %s", *input.Content.Simple.Body.Text.Data)
	}
}

func TestSendNotification_ChannelDisabledSkips(t *testing.T) {
	api := &mockSES{}
	users := &mockUserStore{user: &types.User{Email: "subject@example.org"}}
	tr := newTestTransmitter(api, users)

	n := emailNotification()
	n.EmailEnabled = false

	ignorableClass(t, tr.SendNotification(context.Background(), n))
	if len(api.inputs) != 0 {
		t.Errorf("expected no send attempt, got %d", len(api.inputs))
	}
}

func TestSendNotification_MissingAddressSkips(t *testing.T) {
	api := &mockSES{}
	users := &mockUserStore{user: &types.User{Email: ""}}
	tr := newTestTransmitter(api, users)

	ignorableClass(t, tr.SendNotification(context.Background(), emailNotification()))
	if len(api.inputs) != 0 {
		t.Errorf("expected no send attempt, got %d", len(api.inputs))
	}
}

func TestSendNotification_UnknownSubjectSkips(t *testing.T) {
	api := &mockSES{}
	users := &mockUserStore{getErr: types.NewAppError(types.ErrCodeNotFoundUser, "no user", nil)}
	tr := newTestTransmitter(api, users)

	ignorableClass(t, tr.SendNotification(context.Background(), emailNotification()))
}

func TestSendNotification_ProviderFailureIsIgnorable(t *testing.T) {
	api := &mockSES{sendErr: errors.New("ses: message rejected")}
	users := &mockUserStore{user: &types.User{Email: "subject@example.org"}}
	tr := newTestTransmitter(api, users)

	ignorableClass(t, tr.SendNotification(context.Background(), emailNotification()))
}
