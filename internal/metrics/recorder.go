// Package metrics exposes the engine's counters and timings. Components take
// a Recorder and default to NoopRecorder when metrics are not served.
package metrics

import "time"

// CheckResult enumerates per-source outcomes of a release check
type CheckResult string

const (
	CheckPending     CheckResult = "pending"
	CheckCurrent     CheckResult = "current"
	CheckManual      CheckResult = "manual"
	CheckUnavailable CheckResult = "unavailable"
)

// Recorder defines observability hooks for the sync engine
type Recorder interface {
	ObserveCheckDuration(d time.Duration)
	IncSourceCheck(result CheckResult)
	ObserveDownloadDuration(d time.Duration)
	IncDownloadOutcome(outcome string) // outcome: success|failed|noop
	IncTaskResult(outcome string)
	IncUploadResult(success bool)
	IncUploadRetry()
	IncWebhookEvent(result string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveCheckDuration(time.Duration)    {}
func (NoopRecorder) IncSourceCheck(CheckResult)            {}
func (NoopRecorder) ObserveDownloadDuration(time.Duration) {}
func (NoopRecorder) IncDownloadOutcome(string)             {}
func (NoopRecorder) IncTaskResult(string)                  {}
func (NoopRecorder) IncUploadResult(bool)                  {}
func (NoopRecorder) IncUploadRetry()                       {}
func (NoopRecorder) IncWebhookEvent(string)                {}

// OrNoop returns r, or a NoopRecorder when r is nil
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
