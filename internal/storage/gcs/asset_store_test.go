package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newClient(t *testing.T, fn roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: fn}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func jsonResponse(r *http.Request, code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Request:    r,
	}
}

func writeAsset(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "abcd.jpg")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o600))
	return p
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK, `{}`), nil
	})
	_, err = New(context.Background(), client, Config{})
	require.Error(t, err)
}

func TestNewVerifiesBucket(t *testing.T) {
	t.Parallel()

	bucketName := "test-bucket"
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/storage/v1/b/%s", bucketName))
		return jsonResponse(r, http.StatusOK, `{"name":"test-bucket"}`), nil
	})
	store, err := New(context.Background(), client, Config{Bucket: bucketName, VerifyBucket: true})
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/a/b.jpg", store.URI("a/b.jpg"))

	missing := newClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusNotFound, `{"error":{"code":404,"message":"no bucket"}}`), nil
	})
	_, err = New(context.Background(), missing, Config{Bucket: bucketName, VerifyBucket: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get GCS bucket")
}

func TestStoreUploadsWithMetadata(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body []byte
		path string
	)
	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, path = data, r.URL.Path
		mu.Unlock()
		return jsonResponse(r, http.StatusOK, `{"bucket":"media","name":"x"}`), nil
	})
	store, err := New(context.Background(), client, Config{Bucket: "media", Prefix: "assets"})
	require.NoError(t, err)

	id, err := store.Store(context.Background(), "job-1", "alice", writeAsset(t),
		harvest.CandidateURL{URL: "https://img.example/cat.jpg", SourceID: "wiki"},
		harvest.DownloadResult{Bytes: 11, MIME: "image/jpeg", ContentType: harvest.ContentImage})
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", id)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, path, "/b/media/o")
	assert.True(t, bytes.Contains(body, []byte("hello world")))
	assert.True(t, bytes.Contains(body, []byte(`"job_id":"job-1"`)))
	assert.True(t, bytes.Contains(body, []byte("assets/alice/b9/"+id+".jpg")))
}

func TestStoreExistingObjectIsIdempotent(t *testing.T) {
	t.Parallel()

	client := newClient(t, func(r *http.Request) (*http.Response, error) {
		_, _ = io.Copy(io.Discard, r.Body)
		return jsonResponse(r, http.StatusPreconditionFailed, `{"error":{"code":412,"message":"exists"}}`), nil
	})
	store, err := New(context.Background(), client, Config{Bucket: "media"})
	require.NoError(t, err)

	id, err := store.Store(context.Background(), "job-1", "alice", writeAsset(t),
		harvest.CandidateURL{}, harvest.DownloadResult{MIME: "image/jpeg"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestAlreadyExists(t *testing.T) {
	t.Parallel()

	require.True(t, alreadyExists(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	require.False(t, alreadyExists(&googleapi.Error{Code: http.StatusForbidden}))
	require.False(t, alreadyExists(io.EOF))
}
