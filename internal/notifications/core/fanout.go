// Package core provides the shared delivery infrastructure used by all
// transmitters (fcm, email): the fan-out that dispatches one logical send to
// every registered transmitter with per-transmitter failure isolation, and
// the delivery metrics emitter.
package core

import (
	"context"
	"log/slog"
	"time"

	"appserver/internal/types"
)

// NotificationTransmitter is a channel-specific sender for notifications.
// Send failures are reported as *types.TransmitError; the Class tag decides
// how the fan-out and the job executor react.
type NotificationTransmitter interface {
	// Name identifies the transmitter in outcomes and logs (e.g. "fcm").
	Name() string
	SendNotification(ctx context.Context, n *types.Notification) error
}

// DataMessageTransmitter is a channel-specific sender for data messages.
type DataMessageTransmitter interface {
	Name() string
	SendDataMessage(ctx context.Context, d *types.DataMessage) error
}

// Fanout dispatches a resolved message to every registered transmitter of
// the matching kind. The transmitter sets are fixed at construction (an
// externally configured registry); new transmitters register without any
// fan-out code change.
//
// Isolation contract: each transmitter's failure is caught and classified
// individually. One transmitter failing never prevents another from being
// attempted and never aborts the fan-out. Ordering across transmitters is
// the registration order, but callers must not rely on it.
type Fanout struct {
	notification []NotificationTransmitter
	data         []DataMessageTransmitter
	metrics      DeliveryMetrics
	logger       *slog.Logger
}

// FanoutConfig holds the configuration for creating a Fanout.
type FanoutConfig struct {
	NotificationTransmitters []NotificationTransmitter
	DataMessageTransmitters  []DataMessageTransmitter
	Metrics                  DeliveryMetrics
	Logger                   *slog.Logger
}

// NewFanout creates a Fanout over the given transmitter registry.
func NewFanout(cfg FanoutConfig) *Fanout {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Fanout{
		notification: cfg.NotificationTransmitters,
		data:         cfg.DataMessageTransmitters,
		metrics:      metrics,
		logger:       logger,
	}
}

// DeliverNotification sends the notification through every registered
// notification transmitter and returns one outcome per transmitter.
func (f *Fanout) DeliverNotification(ctx context.Context, n *types.Notification) []types.DeliveryOutcome {
	outcomes := make([]types.DeliveryOutcome, 0, len(f.notification))
	for _, t := range f.notification {
		outcomes = append(outcomes, f.attempt(ctx, t.Name(), func() error {
			return t.SendNotification(ctx, n)
		}))
	}
	return outcomes
}

// DeliverDataMessage sends the data message through every registered data
// transmitter and returns one outcome per transmitter.
func (f *Fanout) DeliverDataMessage(ctx context.Context, d *types.DataMessage) []types.DeliveryOutcome {
	outcomes := make([]types.DeliveryOutcome, 0, len(f.data))
	for _, t := range f.data {
		outcomes = append(outcomes, f.attempt(ctx, t.Name(), func() error {
			return t.SendDataMessage(ctx, d)
		}))
	}
	return outcomes
}

// attempt runs one transmitter send, classifies its error, and records the
// outcome metric. Ignorable failures are logged at debug and reported as
// non-fatal outcomes; everything else keeps its classification.
func (f *Fanout) attempt(ctx context.Context, name string, send func() error) types.DeliveryOutcome {
	start := time.Now()
	err := send()
	f.metrics.RecordLatency(ctx, name, time.Since(start))

	if err == nil {
		f.metrics.RecordDelivery(ctx, name, MetricSuccess)
		return types.DeliveryOutcome{Transmitter: name}
	}

	te := types.AsTransmitError(name, err)
	switch te.Class {
	case types.TransmitIgnorable:
		f.logger.Debug("transmitter skipped delivery",
			"transmitter", name,
			"reason", te.Reason,
		)
		f.metrics.RecordDelivery(ctx, name, MetricSkipped)
	case types.TransmitRetryableLater:
		f.logger.Warn("transmitter temporarily unavailable",
			"transmitter", name,
			"reason", te.Reason,
		)
		f.metrics.RecordDelivery(ctx, name, MetricSkipped)
	default:
		f.logger.Error("transmitter failed",
			"transmitter", name,
			"class", string(te.Class),
			"error", te,
		)
		f.metrics.RecordDelivery(ctx, name, MetricFailed)
	}

	return types.DeliveryOutcome{Transmitter: name, Err: te}
}
