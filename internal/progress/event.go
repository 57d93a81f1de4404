package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindJobStart    Kind = "JOB_START"
	KindSourceStart Kind = "SOURCE_START"
	KindDetected    Kind = "DETECTED"
	KindDownload    Kind = "DOWNLOAD"
	KindRetry       Kind = "RETRY"
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	KindSourceDone  Kind = "SOURCE_DONE"
	KindJobDone     Kind = "JOB_DONE"
)

// Event captures a single step of job progress.
type Event struct {
	JobID  string
	TS     time.Time
	Kind   Kind
	Source string
	URL    string

	// Result is set for KindDownload.
	Result *harvest.DownloadResult

	// Attempt and MaxAttempts describe a KindRetry; Attempt is 1-based.
	Attempt     int
	MaxAttempts int

	// SourceStatus and Err describe a KindSourceDone.
	SourceStatus harvest.SourceStatus
	Err          error

	// JobStatus and Message describe a KindJobDone.
	JobStatus harvest.JobStatus
	Message   string

	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobStart:
	case KindSourceStart, KindDetected, KindRetry, KindCircuitOpen:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Kind)
		}
	case KindDownload:
		if e.Result == nil {
			return errors.New("download event requires result")
		}
		if e.Source == "" {
			return errors.New("download event requires source")
		}
	case KindSourceDone:
		if e.Source == "" || e.SourceStatus == "" {
			return errors.New("source done requires source and status")
		}
	case KindJobDone:
		if !e.JobStatus.Terminal() {
			return fmt.Errorf("job done requires terminal status, got %q", e.JobStatus)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends the job.
func (e Event) Terminal() bool {
	return e.Kind == KindJobDone
}
