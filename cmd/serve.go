package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(appOpts app.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job scheduler",
		Long: `Starts the HTTP API on server.port. Jobs submitted through POST /v1/jobs
run in this process; SIGINT or SIGTERM cancels running jobs and drains the
server before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), e, appOpts)
		},
	}
}

func serve(ctx context.Context, e *env, appOpts app.Options) error {
	a, err := app.New(ctx, e.cfg, e.logger, appOpts)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("http server started", zap.Int("port", e.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		e.logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		if serveErr != nil {
			e.logger.Error("http server error", zap.Error(serveErr))
			serveErr = fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		e.logger.Error("application shutdown error", zap.Error(err))
	}
	e.logger.Info("shutdown complete")
	return serveErr
}
