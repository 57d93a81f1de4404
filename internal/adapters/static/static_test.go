package static

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func collect(t *testing.T, a *Adapter, req harvest.DiscoverRequest) []harvest.CandidateURL {
	t.Helper()
	var got []harvest.CandidateURL
	err := a.Discover(context.Background(), req, func(c harvest.CandidateURL) bool {
		got = append(got, c)
		return true
	})
	require.NoError(t, err)
	return got
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New("", []string{"https://x/a.jpg"}, 0)
	require.Error(t, err)
	_, err = New("fixed", nil, 0)
	require.Error(t, err)
}

func TestDiscoverExpandsTemplates(t *testing.T) {
	t.Parallel()

	a, err := New("fixed", []string{
		"https://img.example/{query}.jpg",
		"https://img.example/{query}.jpg",
		"https://vid.example/{query}.mp4?safe={safe}",
	}, 250*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, a.MinInterval())

	got := collect(t, a, harvest.DiscoverRequest{Query: "cat", MaxItems: 10, SafeSearch: true})
	require.Len(t, got, 2)
	require.Equal(t, "https://img.example/cat.jpg", got[0].URL)
	require.Equal(t, harvest.ContentImage, got[0].HintContentType)
	require.Equal(t, "fixed", got[0].SourceID)
	require.Equal(t, "https://vid.example/cat.mp4?safe=on", got[1].URL)
	require.Equal(t, harvest.ContentVideo, got[1].HintContentType)
}

func TestDiscoverHonorsLimitsAndFilters(t *testing.T) {
	t.Parallel()

	a, err := New("fixed", []string{
		"https://x/{query}-1.jpg",
		"https://x/{query}-2.mp4",
		"https://x/{query}-3.jpg",
	}, 0)
	require.NoError(t, err)

	got := collect(t, a, harvest.DiscoverRequest{Query: "q", MaxItems: 1})
	require.Len(t, got, 1)

	got = collect(t, a, harvest.DiscoverRequest{
		Query:        "q",
		MaxItems:     5,
		ContentTypes: []harvest.ContentType{harvest.ContentVideo},
	})
	require.Len(t, got, 1)
	require.Equal(t, "https://x/q-2.mp4", got[0].URL)

	var calls int
	require.NoError(t, a.Discover(context.Background(), harvest.DiscoverRequest{Query: "q", MaxItems: 5},
		func(harvest.CandidateURL) bool {
			calls++
			return false
		}))
	require.Equal(t, 1, calls)
}

func TestDiscoverStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := New("fixed", []string{"https://x/a.jpg"}, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Discover(ctx, harvest.DiscoverRequest{MaxItems: 5}, func(harvest.CandidateURL) bool { return true })
	require.ErrorIs(t, err, context.Canceled)
}
