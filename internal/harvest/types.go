// Package harvest defines the types and contracts shared by the acquisition pipeline.
package harvest

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a harvest job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError || s == JobStatusCancelled
}

// CanTransition reports whether moving from s to next respects pending -> running -> terminal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next.Terminal()
	case JobStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// SourceStatus is the per-source state reported inside a Job.
type SourceStatus string

// Per-source status values.
const (
	SourceStatusPending   SourceStatus = "pending"
	SourceStatusRunning   SourceStatus = "running"
	SourceStatusCompleted SourceStatus = "completed"
	SourceStatusPartial   SourceStatus = "partial"
	SourceStatusFailed    SourceStatus = "failed"
)

// ContentType is the coarse media class of a candidate or download.
type ContentType string

// Content types understood by the pipeline.
const (
	ContentImage   ContentType = "image"
	ContentVideo   ContentType = "video"
	ContentUnknown ContentType = "unknown"
)

// JobSpec is the immutable input for a job.
type JobSpec struct {
	Query        string            `json:"query"`
	Sources      []string          `json:"sources"`
	PerSourceMax int               `json:"per_source_max"`
	JobMaxItems  int               `json:"job_max_items"`
	JobMaxBytes  int64             `json:"job_max_bytes"`
	// JobTimeoutSeconds overrides the configured global timeout when set. Zero means unlimited.
	JobTimeoutSeconds *int              `json:"job_timeout_seconds,omitempty"`
	SafeSearch        bool              `json:"safe_search"`
	ContentTypes      []ContentType     `json:"content_types"`
	Quality           map[string]string `json:"quality,omitempty"`
	Requester         string            `json:"requester,omitempty"`
}

// Validate checks the structural rules of a spec. Source ids are resolved by the scheduler.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidSpec)
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", ErrInvalidSpec)
	}
	seen := make(map[string]struct{}, len(s.Sources))
	for _, src := range s.Sources {
		if src == "" {
			return fmt.Errorf("%w: empty source id", ErrInvalidSpec)
		}
		if _, dup := seen[src]; dup {
			return fmt.Errorf("%w: duplicate source %q", ErrInvalidSpec, src)
		}
		seen[src] = struct{}{}
	}
	if s.PerSourceMax < 0 || s.JobMaxItems < 0 || s.JobMaxBytes < 0 {
		return fmt.Errorf("%w: limits must be >= 0", ErrInvalidSpec)
	}
	if s.JobTimeoutSeconds != nil && *s.JobTimeoutSeconds < 0 {
		return fmt.Errorf("%w: job_timeout_seconds must be >= 0", ErrInvalidSpec)
	}
	for _, ct := range s.ContentTypes {
		if ct != ContentImage && ct != ContentVideo {
			return fmt.Errorf("%w: unsupported content type %q", ErrInvalidSpec, ct)
		}
	}
	return nil
}

// Allows reports whether ct is permitted by the spec. An empty set permits images and videos.
func (s JobSpec) Allows(ct ContentType) bool {
	if len(s.ContentTypes) == 0 {
		return ct == ContentImage || ct == ContentVideo
	}
	for _, allowed := range s.ContentTypes {
		if allowed == ct {
			return true
		}
	}
	return false
}

// SearchType names the kind of search for user-facing messages.
func (s JobSpec) SearchType() string {
	images, videos := s.Allows(ContentImage), s.Allows(ContentVideo)
	switch {
	case images && !videos:
		return "image"
	case videos && !images:
		return "video"
	default:
		return "media"
	}
}

// Timeout resolves the effective job timeout given the configured default.
func (s JobSpec) Timeout(fallback time.Duration) time.Duration {
	if s.JobTimeoutSeconds == nil {
		return fallback
	}
	return time.Duration(*s.JobTimeoutSeconds) * time.Second
}

// SourceProgress tracks counters for one source inside a job.
type SourceProgress struct {
	Detected   int          `json:"detected"`
	Downloaded int          `json:"downloaded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Bytes      int64        `json:"bytes"`
	Status     SourceStatus `json:"status"`
	LastError  string       `json:"last_error,omitempty"`
}

// JobEvent is a human-readable entry in a job's recent events.
type JobEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// MaxRecentEvents bounds Job.RecentEvents.
const MaxRecentEvents = 20

// Job is the observable state of a submitted job.
type Job struct {
	ID              string                    `json:"id"`
	Spec            JobSpec                   `json:"spec"`
	Status          JobStatus                 `json:"status"`
	Progress        int                       `json:"progress"`
	Detected        int                       `json:"detected"`
	Downloaded      int                       `json:"downloaded"`
	Failed          int                       `json:"failed"`
	Skipped         int                       `json:"skipped"`
	Images          int                       `json:"images"`
	Videos          int                       `json:"videos"`
	Bytes           int64                     `json:"bytes"`
	CurrentFile     string                    `json:"current_file,omitempty"`
	Message         string                    `json:"message,omitempty"`
	PerSource       map[string]SourceProgress `json:"per_source"`
	RecentEvents    []JobEvent                `json:"recent_events"`
	CancelRequested bool                      `json:"cancel_requested"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	EndedAt         *time.Time                `json:"ended_at,omitempty"`
}

// NewJob builds the pending record for a freshly accepted spec.
func NewJob(id string, spec JobSpec, now time.Time) Job {
	job := Job{
		ID:           id,
		Status:       JobStatusPending,
		PerSource:    make(map[string]SourceProgress, len(spec.Sources)),
		RecentEvents: []JobEvent{},
		CreatedAt:    now,
	}
	job.Spec = Job{Spec: spec}.Clone().Spec
	for _, src := range spec.Sources {
		job.PerSource[src] = SourceProgress{Status: SourceStatusPending}
	}
	return job
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j Job) Clone() Job {
	out := j
	if j.PerSource != nil {
		out.PerSource = make(map[string]SourceProgress, len(j.PerSource))
		for k, v := range j.PerSource {
			out.PerSource[k] = v
		}
	}
	if j.RecentEvents != nil {
		out.RecentEvents = append([]JobEvent(nil), j.RecentEvents...)
	}
	out.Spec.Sources = append([]string(nil), j.Spec.Sources...)
	out.Spec.ContentTypes = append([]ContentType(nil), j.Spec.ContentTypes...)
	if j.Spec.Quality != nil {
		out.Spec.Quality = make(map[string]string, len(j.Spec.Quality))
		for k, v := range j.Spec.Quality {
			out.Spec.Quality[k] = v
		}
	}
	out.StartedAt = copyTime(j.StartedAt)
	out.EndedAt = copyTime(j.EndedAt)
	return out
}

// JobPatch is the mutable portion of a Job written by the progress reporter.
type JobPatch struct {
	Status       JobStatus                 `json:"status"`
	Progress     int                       `json:"progress"`
	Detected     int                       `json:"detected"`
	Downloaded   int                       `json:"downloaded"`
	Failed       int                       `json:"failed"`
	Skipped      int                       `json:"skipped"`
	Images       int                       `json:"images"`
	Videos       int                       `json:"videos"`
	Bytes        int64                     `json:"bytes"`
	CurrentFile  string                    `json:"current_file,omitempty"`
	Message      string                    `json:"message,omitempty"`
	PerSource    map[string]SourceProgress `json:"per_source"`
	RecentEvents []JobEvent                `json:"recent_events"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	EndedAt      *time.Time                `json:"ended_at,omitempty"`
}

// Patch extracts the mutable state of the job.
func (j Job) Patch() JobPatch {
	c := j.Clone()
	return JobPatch{
		Status:       c.Status,
		Progress:     c.Progress,
		Detected:     c.Detected,
		Downloaded:   c.Downloaded,
		Failed:       c.Failed,
		Skipped:      c.Skipped,
		Images:       c.Images,
		Videos:       c.Videos,
		Bytes:        c.Bytes,
		CurrentFile:  c.CurrentFile,
		Message:      c.Message,
		PerSource:    c.PerSource,
		RecentEvents: c.RecentEvents,
		StartedAt:    c.StartedAt,
		EndedAt:      c.EndedAt,
	}
}

// Apply merges a patch into the job. Status regressions and progress decreases
// are rejected with ErrInvalidTransition and leave the job untouched.
func (j *Job) Apply(p JobPatch) error {
	if p.Status != "" && p.Status != j.Status && !j.Status.CanTransition(p.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, p.Status)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s already %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if p.Status != "" {
		j.Status = p.Status
	}
	if p.Progress > j.Progress {
		j.Progress = p.Progress
	}
	j.Detected = p.Detected
	j.Downloaded = p.Downloaded
	j.Failed = p.Failed
	j.Skipped = p.Skipped
	j.Images = p.Images
	j.Videos = p.Videos
	j.Bytes = p.Bytes
	j.CurrentFile = p.CurrentFile
	j.Message = p.Message
	j.PerSource = p.PerSource
	j.RecentEvents = p.RecentEvents
	if p.StartedAt != nil {
		j.StartedAt = copyTime(p.StartedAt)
	}
	if p.EndedAt != nil {
		j.EndedAt = copyTime(p.EndedAt)
	}
	return nil
}

// CandidateURL is a media URL produced by a source adapter.
type CandidateURL struct {
	URL             string            `json:"url"`
	HintTitle       string            `json:"hint_title,omitempty"`
	HintContentType ContentType       `json:"hint_content_type"`
	SourceID        string            `json:"source_id"`
	Referer         string            `json:"referer,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// DownloadStatus is the outcome class of one candidate.
type DownloadStatus string

// Download outcomes.
const (
	DownloadOK               DownloadStatus = "ok"
	DownloadSkippedDuplicate DownloadStatus = "skipped_duplicate"
	DownloadSkippedBlocked   DownloadStatus = "skipped_blocked"
	DownloadFailed           DownloadStatus = "failed"
)

// DownloadResult is returned by the worker for each candidate.
type DownloadResult struct {
	Candidate   CandidateURL
	Status      DownloadStatus
	Bytes       int64
	MIME        string
	ContentType ContentType
	Path        string
	AssetID     string
	Duration    time.Duration
	RetriesUsed int
	Err         error
}

// Skipped reports whether the candidate never produced a download attempt outcome.
func (r DownloadResult) Skipped() bool {
	return r.Status == DownloadSkippedDuplicate || r.Status == DownloadSkippedBlocked
}

// DiscoverRequest is passed to SourceAdapter.Discover.
type DiscoverRequest struct {
	Query        string
	MaxItems     int
	SafeSearch   bool
	Quality      map[string]string
	ContentTypes []ContentType
}

// ClassifyMIME maps a MIME type to a content type.
func ClassifyMIME(mime string) ContentType {
	base := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch {
	case strings.HasPrefix(base, "image/"):
		return ContentImage
	case strings.HasPrefix(base, "video/"):
		return ContentVideo
	default:
		return ContentUnknown
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
