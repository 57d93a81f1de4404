package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/app"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type fetchFlags struct {
	query        string
	sources      []string
	perSourceMax int
	maxItems     int
	maxBytes     int64
	timeout      time.Duration
	safeSearch   bool
	contentTypes []string
	requester    string
	poll         time.Duration
}

func newFetchCmd(appOpts app.Options) *cobra.Command {
	var f fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one job and wait for it to finish",
		Long: `Submits a single job built from flags, waits until it reaches a terminal
status and prints a summary. Interrupting the command cancels the job.`,
		Example: `  harvester fetch --query "red panda" --source wiki --per-source-max 10
  harvester fetch --query sunset --content-type video --timeout 2m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), e, appOpts, f, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.query, "query", "q", "", "search query")
	flags.StringSliceVarP(&f.sources, "source", "s", nil, "source ids to search (default: every configured source)")
	flags.IntVar(&f.perSourceMax, "per-source-max", 20, "maximum downloads per source")
	flags.IntVar(&f.maxItems, "max-items", 0, "maximum downloads for the whole job (0: no cap)")
	flags.Int64Var(&f.maxBytes, "max-bytes", 0, "maximum bytes for the whole job (0: no cap)")
	flags.DurationVar(&f.timeout, "timeout", 0, "job timeout (0: use scheduler.global_job_timeout_seconds)")
	flags.BoolVar(&f.safeSearch, "safe-search", false, "ask sources for safe results")
	flags.StringSliceVar(&f.contentTypes, "content-type", nil, "content types to keep: image, video (default: both)")
	flags.StringVar(&f.requester, "requester", "", "namespace for stored assets")
	flags.DurationVar(&f.poll, "poll", 500*time.Millisecond, "job status poll interval")
	_ = cmd.MarkFlagRequired("query") //nolint:errcheck // flag is defined above
	return cmd
}

func (f fetchFlags) spec(available []string) harvest.JobSpec {
	spec := harvest.JobSpec{
		Query:        f.query,
		Sources:      f.sources,
		PerSourceMax: f.perSourceMax,
		JobMaxItems:  f.maxItems,
		JobMaxBytes:  f.maxBytes,
		SafeSearch:   f.safeSearch,
		Requester:    f.requester,
	}
	if len(spec.Sources) == 0 {
		spec.Sources = available
	}
	for _, ct := range f.contentTypes {
		spec.ContentTypes = append(spec.ContentTypes, harvest.ContentType(ct))
	}
	if f.timeout > 0 {
		secs := int((f.timeout + time.Second - 1) / time.Second)
		spec.JobTimeoutSeconds = &secs
	}
	return spec
}

func runFetch(ctx context.Context, e *env, appOpts app.Options, f fetchFlags, out io.Writer) (err error) {
	if f.poll <= 0 {
		return fmt.Errorf("--poll must be > 0")
	}
	a, err := app.New(ctx, e.cfg, e.logger, appOpts)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(closeCtx))
	}()

	spec := f.spec(a.Sources().IDs())
	id, err := a.Scheduler().Submit(ctx, spec)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	e.logger.Info("job submitted", zap.String("job_id", id), zap.Strings("sources", spec.Sources))

	job, err := a.WaitJob(ctx, id, f.poll)
	if err != nil && ctx.Err() != nil {
		e.logger.Info("interrupted; cancelling job", zap.String("job_id", id))
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := a.Scheduler().Cancel(stopCtx, id); cerr != nil {
			return fmt.Errorf("cancel job: %w", cerr)
		}
		job, err = a.WaitJob(stopCtx, id, f.poll)
	}
	if err != nil {
		return err
	}

	printSummary(out, job)
	if job.Status == harvest.JobStatusError {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Message)
	}
	return nil
}

func printSummary(out io.Writer, job harvest.Job) {
	fmt.Fprintf(out, "job %s %s\n", job.ID, job.Status)
	if job.Message != "" {
		fmt.Fprintf(out, "  message:    %s\n", job.Message)
	}
	fmt.Fprintf(out, "  downloaded: %d (%d images, %d videos, %d bytes)\n", job.Downloaded, job.Images, job.Videos, job.Bytes)
	fmt.Fprintf(out, "  failed:     %d\n", job.Failed)
	fmt.Fprintf(out, "  skipped:    %d\n", job.Skipped)
	for _, src := range job.Spec.Sources {
		p := job.PerSource[src]
		fmt.Fprintf(out, "  source %s: %s, detected %d, downloaded %d, failed %d\n", src, p.Status, p.Detected, p.Downloaded, p.Failed)
	}
}
