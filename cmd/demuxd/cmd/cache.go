package cmd

import (
	"fmt"
	"path"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/demuxd/pkg/duration"
	"github.com/jmylchreest/demuxd/pkg/format"
	"github.com/jmylchreest/demuxd/pkg/m3u"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the probe cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached probe results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		probes, err := st.probes.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing probes: %w", err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "URI\tCORE\tCODECS\tDURATION\tHITS\tPROBED")
		for _, p := range probes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.URI, p.Core, p.Codecs, duration.Format(p.Duration()),
				format.Number(p.HitCount), format.Ago(p.ProbedAt))
		}
		return tw.Flush()
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every cached track as an M3U playlist",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		probes, err := st.probes.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing probes: %w", err)
		}
		w := m3u.NewWriter(cmd.OutOrStdout())
		if err := w.WriteHeader(); err != nil {
			return err
		}
		for _, p := range probes {
			entry := &m3u.Entry{
				URI:      p.URI,
				Title:    path.Base(p.URI),
				Duration: -1,
				Attrs:    map[string]string{"core": p.Core},
			}
			if p.DurationMs > 0 {
				entry.Duration = p.Duration()
			}
			if p.Codecs != "" {
				entry.Attrs["codecs"] = p.Codecs
			}
			if err := w.WriteEntry(entry); err != nil {
				return err
			}
		}
		return nil
	},
}

var cacheClearCore string

var cacheClearCmd = &cobra.Command{
	Use:   "clear [uri]",
	Short: "Remove one cached probe, or every probe for a core",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && cacheClearCore == "" {
			return fmt.Errorf("give a uri or --core")
		}
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			if err := st.cache.Forget(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("forgetting %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		}
		if cacheClearCore != "" {
			n, err := st.probes.DeleteByCore(cmd.Context(), cacheClearCore)
			if err != nil {
				return fmt.Errorf("clearing core %s: %w", cacheClearCore, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s probes for %s\n", format.Number(n), cacheClearCore)
		}
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().StringVar(&cacheClearCore, "core", "", "remove every probe that selected this core")
	cacheCmd.AddCommand(cacheListCmd, cacheExportCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
