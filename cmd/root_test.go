package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/app"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func writeConfig(t *testing.T, sources string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
jobs:
  backend: memory
storage:
  backend: local
  base_dir: %q
scheduler:
  flush_interval_ms: 10
  download_dir: %q
http:
  max_retries: 0
logging:
  development: false
  level: error
%s`, filepath.Join(dir, "assets"), filepath.Join(dir, "downloads"), sources)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(app.Options{Registerer: prometheus.NewRegistry()})
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestSourcesListsConfiguredSources(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
sources:
  fixed:
    type: static
    urls: ["https://cdn.example.com/{query}.jpg"]
  pics:
    type: gallery
    search_url: "https://gallery.example.com/search?q={query}"
`)
	out, err := run(t, "sources", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "ID")
	require.Regexp(t, `fixed\s+static\s+https://cdn.example.com/\{query\}.jpg`, out)
	require.Regexp(t, `pics\s+gallery\s+https://gallery.example.com/search\?q=\{query\}`, out)
}

func TestSourcesEmpty(t *testing.T) {
	t.Parallel()

	out, err := run(t, "sources", "--config", writeConfig(t, ""))
	require.NoError(t, err)
	require.Contains(t, out, "no sources configured")
}

func TestBadConfigFails(t *testing.T) {
	t.Parallel()

	_, err := run(t, "sources", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "load config")
}

func TestFetchRequiresQuery(t *testing.T) {
	t.Parallel()

	_, err := run(t, "fetch", "--config", writeConfig(t, ""))
	require.ErrorContains(t, err, `required flag(s) "query" not set`)
}

func TestFetchRunsJob(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 512)...)) //nolint:errcheck // test server
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, fmt.Sprintf(`
sources:
  fixed:
    type: static
    urls: [%q]
`, srv.URL+"/{query}.png"))
	out, err := run(t, "fetch", "--config", path, "-q", "otter", "--requester", "bob", "--poll", "10ms")
	require.NoError(t, err)
	require.Contains(t, out, "completed")
	require.Contains(t, out, "downloaded: 1 (1 images, 0 videos")
	require.Contains(t, out, "source fixed: completed")
}

func TestFetchUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := run(t, "fetch", "--config", writeConfig(t, ""), "-q", "otter", "-s", "nope")
	require.ErrorIs(t, err, harvest.ErrUnknownSource)
}

func TestFetchFlagsSpec(t *testing.T) {
	t.Parallel()

	f := fetchFlags{
		query:        "cat",
		perSourceMax: 5,
		timeout:      1500 * time.Millisecond,
		contentTypes: []string{"video"},
		requester:    "alice",
	}
	spec := f.spec([]string{"a", "b"})
	require.Equal(t, []string{"a", "b"}, spec.Sources)
	require.Equal(t, []harvest.ContentType{harvest.ContentVideo}, spec.ContentTypes)
	require.NotNil(t, spec.JobTimeoutSeconds)
	require.Equal(t, 2, *spec.JobTimeoutSeconds)
	require.NoError(t, spec.Validate())

	f.sources = []string{"b"}
	f.timeout = 0
	spec = f.spec([]string{"a", "b"})
	require.Equal(t, []string{"b"}, spec.Sources)
	require.Nil(t, spec.JobTimeoutSeconds)
}
