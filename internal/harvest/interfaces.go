package harvest

import (
	"context"
	"time"
)

// SourceAdapter discovers candidate media URLs for a query.
// Implementations yield at most req.MaxItems candidates, stop when yield
// returns false or ctx is done, and return nil when there are no results.
type SourceAdapter interface {
	Discover(ctx context.Context, req DiscoverRequest, yield func(CandidateURL) bool) error
}

// IntervalHinter is implemented by adapters whose hosts need a longer gap between requests.
type IntervalHinter interface {
	MinInterval() time.Duration
}

// AssetStore persists a completed download and returns its asset id.
type AssetStore interface {
	Store(ctx context.Context, jobID, requester, localPath string, candidate CandidateURL, result DownloadResult) (string, error)
}

// JobStore persists job state.
type JobStore interface {
	Create(ctx context.Context, spec JobSpec) (string, error)
	Update(ctx context.Context, jobID string, patch JobPatch) error
	Get(ctx context.Context, jobID string) (Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// JobFilter narrows a job listing. Zero values match everything.
type JobFilter struct {
	Status    JobStatus
	Requester string
	Limit     int
	Offset    int
}

// JobLister is implemented by job stores that can enumerate jobs, newest first.
type JobLister interface {
	List(ctx context.Context, filter JobFilter) ([]Job, error)
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests of files on disk.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
