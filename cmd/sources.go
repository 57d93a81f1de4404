package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-harvester/internal/adapters"
	"github.com/JakeFAU/media-harvester/internal/config"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			// Building the registry validates every source the way serve would.
			registry, closeSources, err := adapters.Build(e.cfg.Sources, adapters.Options{
				UserAgent: e.cfg.HTTP.UserAgent,
				Timeout:   e.cfg.HTTP.RequestTimeout(),
				Headless:  e.cfg.Headless,
				Logger:    e.logger.Named("adapters"),
			})
			if err != nil {
				return fmt.Errorf("init sources: %w", err)
			}
			defer closeSources()

			ids := registry.IDs()
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sources configured")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tTARGET")
			for _, id := range ids {
				src := e.cfg.Sources[id]
				fmt.Fprintf(tw, "%s\t%s\t%s\n", id, src.Type, target(src))
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write sources: %w", err)
			}
			return nil
		},
	}
}

func target(src config.SourceConfig) string {
	if src.Type == config.SourceTypeStatic {
		return strings.Join(src.URLs, ",")
	}
	return src.SearchURL
}
