package postgres

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type fixedID string

func (f fixedID) NewID() (string, error) { return string(f), nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newMockJobStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStore(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewJobStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStore(mock, "jobs; DROP TABLE x")
	require.Error(t, err)
	_, err = NewJobStore(nil, "jobs")
	require.Error(t, err)
}

func TestJobStoreCreateInsertsPendingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	now := time.Unix(1700000000, 0).UTC()
	store.ids = fixedID("job-1")
	store.clock = fixedClock{now: now}

	mock.ExpectExec("INSERT INTO harvest_jobs").
		WithArgs("job-1", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.Create(context.Background(), harvest.JobSpec{Query: "cats", Sources: []string{"a"}})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectExec("UPDATE harvest_jobs").
		WithArgs("job-1", "running", 40, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Update(context.Background(), "job-1", harvest.JobPatch{Status: harvest.JobStatusRunning, Progress: 40})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateRejectedAfterTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectExec("UPDATE harvest_jobs").
		WithArgs("job-1", "running", 50, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM harvest_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	err := store.Update(context.Background(), "job-1", harvest.JobPatch{Status: harvest.JobStatusRunning, Progress: 50})
	require.ErrorIs(t, err, harvest.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectExec("UPDATE harvest_jobs").
		WithArgs("ghost", "running", 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM harvest_jobs").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err := store.Update(context.Background(), "ghost", harvest.JobPatch{Status: harvest.JobStatusRunning})
	require.ErrorIs(t, err, harvest.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetDecodesState(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	spec, err := json.Marshal(harvest.JobSpec{Query: "cats", Sources: []string{"a"}, PerSourceMax: 3})
	require.NoError(t, err)
	state, err := json.Marshal(harvest.JobPatch{
		Status:     harvest.JobStatusRunning,
		Downloaded: 2,
		Images:     2,
		Bytes:      2048,
		Message:    "Downloaded b.jpg",
		PerSource:  map[string]harvest.SourceProgress{"a": {Downloaded: 2, Status: harvest.SourceStatusRunning}},
		StartedAt:  &started,
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, status, progress, spec, state, cancel_requested, created_at").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "progress", "spec", "state", "cancel_requested", "created_at"}).
			AddRow("job-1", "running", 66, spec, state, true, created))

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusRunning, job.Status)
	require.Equal(t, 66, job.Progress)
	require.Equal(t, "cats", job.Spec.Query)
	require.Equal(t, 2, job.Downloaded)
	require.Equal(t, int64(2048), job.Bytes)
	require.True(t, job.CancelRequested)
	require.Equal(t, created, job.CreatedAt)
	require.NotNil(t, job.StartedAt)
	require.True(t, started.Equal(*job.StartedAt))
	require.Equal(t, 2, job.PerSource["a"].Downloaded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectQuery("SELECT id, status").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, harvest.ErrJobNotFound)
}

func TestJobStoreListAppliesFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	created := time.Unix(1700000000, 0).UTC()
	spec, err := json.Marshal(harvest.JobSpec{Query: "cats", Sources: []string{"a"}, Requester: "alice"})
	require.NoError(t, err)
	columns := []string{"id", "status", "progress", "spec", "state", "cancel_requested", "created_at"}

	mock.ExpectQuery("SELECT id, status, progress, spec, state, cancel_requested, created_at FROM harvest_jobs").
		WithArgs("running", "alice", 100, 0).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-2", "running", 50, spec, []byte(`{"downloaded":1}`), false, created.Add(time.Minute)).
			AddRow("job-1", "running", 10, spec, []byte(`{}`), false, created))

	jobs, err := store.List(context.Background(), harvest.JobFilter{Status: harvest.JobStatusRunning, Requester: "alice"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2", jobs[0].ID)
	require.Equal(t, 1, jobs[0].Downloaded)
	require.Equal(t, "alice", jobs[1].Spec.Requester)

	mock.ExpectQuery("SELECT id").WithArgs("", "", 5, 10).WillReturnError(context.DeadlineExceeded)
	_, err = store.List(context.Background(), harvest.JobFilter{Limit: 5, Offset: 10})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStorePing(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCancel(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectExec("UPDATE harvest_jobs").WithArgs("job-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE harvest_jobs").WithArgs("ghost").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Cancel(context.Background(), "job-1"))
	require.ErrorIs(t, store.Cancel(context.Background(), "ghost"), harvest.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))

	assets, err := NewAssetStore(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_assets").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, assets.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetStoreInsertsBlob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAssetStore(mock, "")
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o600))
	hash := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	mock.ExpectExec("INSERT INTO harvest_assets").
		WithArgs(hash, "alice", hash, "job-1", "wiki", "https://img.example/a.jpg", "image/jpeg", "image",
			int64(11), []byte("hello world"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.Store(context.Background(), "job-1", "alice", p,
		harvest.CandidateURL{URL: "https://img.example/a.jpg", SourceID: "wiki"},
		harvest.DownloadResult{Bytes: 11, MIME: "image/jpeg", ContentType: harvest.ContentImage})
	require.NoError(t, err)
	require.Equal(t, hash, id)
	require.NoError(t, mock.ExpectationsWereMet())
}
