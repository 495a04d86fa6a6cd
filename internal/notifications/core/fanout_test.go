package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appserver/internal/types"
)

type stubTransmitter struct {
	name  string
	err   error
	calls int
}

func (s *stubTransmitter) Name() string { return s.name }

func (s *stubTransmitter) SendNotification(ctx context.Context, n *types.Notification) error {
	s.calls++
	return s.err
}

func (s *stubTransmitter) SendDataMessage(ctx context.Context, d *types.DataMessage) error {
	s.calls++
	return s.err
}

type recordingMetrics struct {
	deliveries map[string]MetricResult
	latencies  []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{deliveries: make(map[string]MetricResult)}
}

func (m *recordingMetrics) RecordDelivery(ctx context.Context, transmitter string, result MetricResult) {
	m.deliveries[transmitter] = result
}

func (m *recordingMetrics) RecordLatency(ctx context.Context, transmitter string, duration time.Duration) {
	m.latencies = append(m.latencies, transmitter)
}

func newTestFanout(metrics DeliveryMetrics, ts ...*stubTransmitter) *Fanout {
	cfg := FanoutConfig{
		Metrics: metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, t := range ts {
		cfg.NotificationTransmitters = append(cfg.NotificationTransmitters, t)
		cfg.DataMessageTransmitters = append(cfg.DataMessageTransmitters, t)
	}
	return NewFanout(cfg)
}

func TestDeliverNotification_AllTransmittersAttempted(t *testing.T) {
	fcm := &stubTransmitter{name: "fcm"}
	email := &stubTransmitter{name: "email"}
	f := newTestFanout(NopMetrics{}, fcm, email)

	outcomes := f.DeliverNotification(context.Background(), &types.Notification{})
	require.Len(t, outcomes, 2)

	assert.Equal(t, 1, fcm.calls)
	assert.Equal(t, 1, email.calls)
	for _, o := range outcomes {
		assert.True(t, o.Success())
	}
}

func TestDeliverNotification_FailureDoesNotStopOthers(t *testing.T) {
	fcm := &stubTransmitter{
		name: "fcm",
		err:  types.NewTransmitError(types.TransmitFatal, "fcm", "send rejected", nil),
	}
	email := &stubTransmitter{name: "email"}
	f := newTestFanout(NopMetrics{}, fcm, email)

	outcomes := f.DeliverNotification(context.Background(), &types.Notification{})
	require.Len(t, outcomes, 2)

	assert.Equal(t, 1, email.calls)
	assert.False(t, outcomes[0].Success())
	assert.True(t, outcomes[1].Success())
}

func TestDeliverNotification_PreservesErrorClass(t *testing.T) {
	cases := []struct {
		name  string
		class types.TransmitClass
	}{
		{"ignorable", types.TransmitIgnorable},
		{"retryable", types.TransmitRetryableLater},
		{"invalid target", types.TransmitInvalidTarget},
		{"fatal", types.TransmitFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &stubTransmitter{
				name: "fcm",
				err:  types.NewTransmitError(tc.class, "fcm", "boom", nil),
			}
			f := newTestFanout(NopMetrics{}, tr)

			outcomes := f.DeliverNotification(context.Background(), &types.Notification{})
			require.Len(t, outcomes, 1)
			require.NotNil(t, outcomes[0].Err)
			assert.Equal(t, tc.class, outcomes[0].Err.Class)
		})
	}
}

func TestDeliverNotification_RawErrorBecomesFatal(t *testing.T) {
	// A transmitter returning a plain error must not slip past classification.
	tr := &stubTransmitter{name: "fcm", err: errors.New("panic-adjacent")}
	f := newTestFanout(NopMetrics{}, tr)

	outcomes := f.DeliverNotification(context.Background(), &types.Notification{})
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, types.TransmitFatal, outcomes[0].Err.Class)
	assert.True(t, outcomes[0].Err.FailsJob())
}

func TestDeliverDataMessage_UsesDataTransmitters(t *testing.T) {
	tr := &stubTransmitter{name: "fcm"}
	f := NewFanout(FanoutConfig{
		DataMessageTransmitters: []DataMessageTransmitter{tr},
		Logger:                  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	outcomes := f.DeliverDataMessage(context.Background(), &types.DataMessage{})
	require.Len(t, outcomes, 1)
	assert.Equal(t, "fcm", outcomes[0].Transmitter)
}

func TestDeliver_RecordsMetrics(t *testing.T) {
	metrics := newRecordingMetrics()
	ok := &stubTransmitter{name: "fcm"}
	skipped := &stubTransmitter{
		name: "email",
		err:  types.NewTransmitError(types.TransmitIgnorable, "email", "disabled", nil),
	}
	f := newTestFanout(metrics, ok, skipped)

	f.DeliverNotification(context.Background(), &types.Notification{})

	assert.Equal(t, MetricSuccess, metrics.deliveries["fcm"])
	assert.Equal(t, MetricSkipped, metrics.deliveries["email"])
	assert.ElementsMatch(t, []string{"fcm", "email"}, metrics.latencies)
}

func TestDeliverNotification_NoTransmitters(t *testing.T) {
	f := NewFanout(FanoutConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	outcomes := f.DeliverNotification(context.Background(), &types.Notification{})
	assert.Empty(t, outcomes)
}
