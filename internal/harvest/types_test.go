package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSpecValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	tests := []struct {
		name string
		spec JobSpec
		ok   bool
	}{
		{name: "valid", spec: JobSpec{Query: "cats", Sources: []string{"a", "b"}}, ok: true},
		{name: "empty query", spec: JobSpec{Query: "  ", Sources: []string{"a"}}},
		{name: "no sources", spec: JobSpec{Query: "cats"}},
		{name: "duplicate source", spec: JobSpec{Query: "cats", Sources: []string{"a", "a"}}},
		{name: "negative cap", spec: JobSpec{Query: "cats", Sources: []string{"a"}, JobMaxItems: -1}},
		{name: "negative timeout", spec: JobSpec{Query: "cats", Sources: []string{"a"}, JobTimeoutSeconds: &neg}},
		{name: "bad content type", spec: JobSpec{Query: "cats", Sources: []string{"a"}, ContentTypes: []ContentType{"audio"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.spec.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestJobSpecAllowsAndSearchType(t *testing.T) {
	t.Parallel()

	both := JobSpec{}
	assert.True(t, both.Allows(ContentImage))
	assert.True(t, both.Allows(ContentVideo))
	assert.False(t, both.Allows(ContentUnknown))
	assert.Equal(t, "media", both.SearchType())

	images := JobSpec{ContentTypes: []ContentType{ContentImage}}
	assert.False(t, images.Allows(ContentVideo))
	assert.Equal(t, "image", images.SearchType())

	videos := JobSpec{ContentTypes: []ContentType{ContentVideo}}
	assert.Equal(t, "video", videos.SearchType())
}

func TestJobSpecTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Minute, JobSpec{}.Timeout(5*time.Minute))
	zero := 0
	assert.Equal(t, time.Duration(0), JobSpec{JobTimeoutSeconds: &zero}.Timeout(5*time.Minute))
	ten := 10
	assert.Equal(t, 10*time.Second, JobSpec{JobTimeoutSeconds: &ten}.Timeout(5*time.Minute))
}

func TestJobApplyGuardsTransitions(t *testing.T) {
	t.Parallel()

	job := Job{ID: "j1", Status: JobStatusPending}
	require.NoError(t, job.Apply(JobPatch{Status: JobStatusRunning, Progress: 40}))
	require.Equal(t, JobStatusRunning, job.Status)

	require.NoError(t, job.Apply(JobPatch{Status: JobStatusRunning, Progress: 10}))
	require.Equal(t, 40, job.Progress, "progress must not decrease")

	require.NoError(t, job.Apply(JobPatch{Status: JobStatusCompleted, Progress: 100, Downloaded: 3}))
	require.Equal(t, 3, job.Downloaded)

	err := job.Apply(JobPatch{Status: JobStatusRunning})
	require.ErrorIs(t, err, ErrInvalidTransition)
	err = job.Apply(JobPatch{Downloaded: 9})
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, 3, job.Downloaded)
}

func TestJobCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	job := Job{
		PerSource:    map[string]SourceProgress{"a": {Detected: 1}},
		RecentEvents: []JobEvent{{Message: "x"}},
		StartedAt:    &now,
		Spec:         JobSpec{Sources: []string{"a"}},
	}
	clone := job.Clone()
	clone.PerSource["a"] = SourceProgress{Detected: 5}
	clone.RecentEvents[0].Message = "y"
	clone.Spec.Sources[0] = "b"
	*clone.StartedAt = now.Add(time.Hour)

	assert.Equal(t, 1, job.PerSource["a"].Detected)
	assert.Equal(t, "x", job.RecentEvents[0].Message)
	assert.Equal(t, "a", job.Spec.Sources[0])
	assert.Equal(t, now, *job.StartedAt)
}

func TestClassifyMIME(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ContentImage, ClassifyMIME("image/jpeg"))
	assert.Equal(t, ContentVideo, ClassifyMIME("Video/MP4; codecs=avc1"))
	assert.Equal(t, ContentUnknown, ClassifyMIME("application/octet-stream"))
	assert.Equal(t, ContentUnknown, ClassifyMIME(""))
}

func TestFetchErrorKinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := fmt.Errorf("attempt 1: %w", NewFetchError(KindServer, 503, cause))

	require.ErrorIs(t, err, ErrServer)
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindServer, KindOf(err))
	require.True(t, Retryable(err))

	require.False(t, Retryable(NewFetchError(KindClient, 404, nil)))
	require.False(t, Retryable(NewFetchError(KindTooLarge, 0, nil)))
	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindDiscovery, KindOf(fmt.Errorf("%w: nope", ErrDiscovery)))
	require.Equal(t, KindNone, KindOf(nil))
	require.Contains(t, NewFetchError(KindClient, 404, nil).Error(), "status 404")
}
