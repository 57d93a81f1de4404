package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "job-" + string(rune('0'+s.n)), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewJobStore(&seqIDs{}, fixedClock{now: now})
	ctx := context.Background()

	id, err := store.Create(ctx, harvest.JobSpec{Query: "cats", Sources: []string{"a", "b"}, PerSourceMax: 2})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusPending, job.Status)
	require.Equal(t, now, job.CreatedAt)
	require.Equal(t, harvest.SourceStatusPending, job.PerSource["b"].Status)

	started := now.Add(time.Second)
	require.NoError(t, store.Update(ctx, id, harvest.JobPatch{Status: harvest.JobStatusRunning, Progress: 40, StartedAt: &started}))
	require.NoError(t, store.Update(ctx, id, harvest.JobPatch{Status: harvest.JobStatusRunning, Progress: 10, Downloaded: 1}))

	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 40, job.Progress, "progress never decreases")
	require.Equal(t, 1, job.Downloaded)

	ended := now.Add(time.Minute)
	require.NoError(t, store.Update(ctx, id, harvest.JobPatch{Status: harvest.JobStatusCompleted, Progress: 100, EndedAt: &ended}))
	err = store.Update(ctx, id, harvest.JobPatch{Status: harvest.JobStatusRunning, Downloaded: 9})
	require.ErrorIs(t, err, harvest.ErrInvalidTransition)

	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.Downloaded)

	require.NoError(t, store.Cancel(ctx, id))
	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.False(t, job.CancelRequested, "finished jobs are not flagged")
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil, nil)
	ctx := context.Background()
	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, harvest.ErrJobNotFound)
	require.ErrorIs(t, store.Update(ctx, "nope", harvest.JobPatch{}), harvest.ErrJobNotFound)
	require.ErrorIs(t, store.Cancel(ctx, "nope"), harvest.ErrJobNotFound)
}

func TestJobStoreCancelFlagAndCopies(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil, nil)
	ctx := context.Background()
	id, err := store.Create(ctx, harvest.JobSpec{Query: "dogs", Sources: []string{"a"}})
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, id))
	require.NoError(t, store.Cancel(ctx, id))
	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, job.CancelRequested)

	job.PerSource["a"] = harvest.SourceProgress{Downloaded: 99}
	again, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Zero(t, again.PerSource["a"].Downloaded)

	jobs, err := store.List(ctx, harvest.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestJobStoreListFilters(t *testing.T) {
	t.Parallel()

	store := NewJobStore(&seqIDs{}, fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)})
	ctx := context.Background()
	for _, requester := range []string{"alice", "bob", "alice"} {
		_, err := store.Create(ctx, harvest.JobSpec{Query: "q", Sources: []string{"a"}, Requester: requester})
		require.NoError(t, err)
	}
	require.NoError(t, store.Update(ctx, "job-1", harvest.JobPatch{Status: harvest.JobStatusRunning}))

	jobs, err := store.List(ctx, harvest.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "job-3", jobs[0].ID)

	jobs, err = store.List(ctx, harvest.JobFilter{Requester: "alice"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	jobs, err = store.List(ctx, harvest.JobFilter{Status: harvest.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-1", jobs[0].ID)

	jobs, err = store.List(ctx, harvest.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-2", jobs[0].ID)

	jobs, err = store.List(ctx, harvest.JobFilter{Offset: 9})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestAssetStoreDeduplicatesPerRequester(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o600))

	store := NewAssetStore()
	ctx := context.Background()
	res := harvest.DownloadResult{Bytes: 4, MIME: "image/jpeg", ContentType: harvest.ContentImage}

	id1, err := store.Store(ctx, "job", "alice", a, harvest.CandidateURL{URL: "https://x/a.jpg"}, res)
	require.NoError(t, err)
	id2, err := store.Store(ctx, "job", "alice", b, harvest.CandidateURL{URL: "https://x/b.jpg"}, res)
	require.NoError(t, err)
	_, err = store.Store(ctx, "job", "bob", b, harvest.CandidateURL{URL: "https://x/b.jpg"}, res)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Len(t, store.Assets(), 2)
	require.Equal(t, int64(8), store.TotalBytes())
	require.Equal(t, "file://"+a, store.Assets()[0].Location)

	_, err = store.Store(ctx, "job", "alice", filepath.Join(dir, "missing"), harvest.CandidateURL{}, res)
	require.Error(t, err)
}
