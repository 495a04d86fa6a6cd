package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricNamespace is the CloudWatch namespace all delivery metrics land in.
const metricNamespace = "AppServer"

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailed  MetricResult = "failed"
	MetricSkipped MetricResult = "skipped"
)

// DeliveryMetrics abstracts telemetry for the delivery pipeline.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, transmitter string, result MetricResult)
	RecordLatency(ctx context.Context, transmitter string, duration time.Duration)
}

// NopMetrics discards all metrics. Used in tests and when metrics are
// disabled by configuration.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, string, MetricResult) {}
func (NopMetrics) RecordLatency(context.Context, string, time.Duration) {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchDeliveryMetrics implements DeliveryMetrics by emitting metrics
// to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Transmitter, Result}, on every outcome
//   - DeliveryLatency: Dims {Transmitter}, time taken by one send
//
// Metric emission is best-effort: a CloudWatch failure is logged and never
// affects the delivery itself.
type CloudWatchDeliveryMetrics struct {
	client CloudWatchClient
	logger *slog.Logger
}

// Compile-time assertion that CloudWatchDeliveryMetrics implements
// DeliveryMetrics.
var _ DeliveryMetrics = (*CloudWatchDeliveryMetrics)(nil)

// NewCloudWatchDeliveryMetrics creates a metrics emitter publishing to the
// AppServer namespace.
func NewCloudWatchDeliveryMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchDeliveryMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchDeliveryMetrics{client: client, logger: logger}
}

// RecordDelivery emits a DeliveryAttempt metric with Transmitter and Result
// dimensions.
func (m *CloudWatchDeliveryMetrics) RecordDelivery(ctx context.Context, transmitter string, result MetricResult) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(metricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DeliveryAttempt"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Transmitter"), Value: aws.String(transmitter)},
					{Name: aws.String("Result"), Value: aws.String(string(result))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record delivery metric",
			"error", err,
			"transmitter", transmitter,
			"result", string(result),
		)
	}
}

// RecordLatency emits a DeliveryLatency metric in milliseconds with the
// Transmitter dimension.
func (m *CloudWatchDeliveryMetrics) RecordLatency(ctx context.Context, transmitter string, duration time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(metricNamespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("DeliveryLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Transmitter"), Value: aws.String(transmitter)},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record latency metric",
			"error", err,
			"transmitter", transmitter,
			"duration_ms", duration.Milliseconds(),
		)
	}
}
