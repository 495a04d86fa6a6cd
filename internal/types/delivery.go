package types

// DeliveryOutcome is the result of one transmitter's attempt to send one
// message. Outcomes are ephemeral: produced by the fan-out, inspected by the
// job executor, carried into state events, never persisted directly.
type DeliveryOutcome struct {
	Transmitter string
	Err         *TransmitError // nil on success
}

// Success reports whether the transmitter delivered the message.
func (o DeliveryOutcome) Success() bool { return o.Err == nil }

// OutcomeSummary aggregates a fan-out result for the job executor.
type OutcomeSummary struct {
	Attempted     int
	Succeeded     int
	FatalFailures int
	InvalidTarget bool
}

// Summarize folds a fan-out result into the counts the executor switches on.
// Ignorable and retryable-later failures count as neither success nor fatal.
func Summarize(outcomes []DeliveryOutcome) OutcomeSummary {
	s := OutcomeSummary{Attempted: len(outcomes)}
	for _, o := range outcomes {
		if o.Success() {
			s.Succeeded++
			continue
		}
		if o.Err.Class == TransmitInvalidTarget {
			s.InvalidTarget = true
		}
		if o.Err.FailsJob() {
			s.FatalFailures++
		}
	}
	return s
}
