// Package cli implements the vodsync command-line interface. Every command
// is one explicit pass over the corpus; there is no daemon. Interrupting a
// run is safe: progress is committed per stage and the next run resumes
// from durable state.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vodsync/vodsync/internal/model"
)

// rootCmd is the base command for vodsync.
var rootCmd = &cobra.Command{
	Use:   "vodsync",
	Short: "Resumable video metadata and asset sync pipeline",
	Long: `vodsync mirrors a third-party video catalog into durable storage:
metadata into a catalog database, playlists and covers into two
S3-compatible object stores, and index entries onto the target sites.

Every item moves through fixed stages (fetch, persist_metadata,
upload_primary, upload_secondary, site_sync) and its progress is stored
per stage, so any run can be interrupted and resumed. Fix commands retry
exactly the items that failed at one stage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context; in-flight stage work finishes and persists before exit.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(scraperCmd)
	rootCmd.AddCommand(s3FixCmd)
	rootCmd.AddCommand(ossFixCmd)
	rootCmd.AddCommand(siteFixCmd)
	rootCmd.AddCommand(siteCleanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flagRemovalCmd)
}

var scraperCmd = &cobra.Command{
	Use:   "scraper",
	Short: "Discover new items and advance all unfinished records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *Engine) error {
			sum, err := e.Orchestrator.RunScraper(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(sum)
			return nil
		})
	},
}

var s3FixCmd = &cobra.Command{
	Use:   "s3_fix",
	Short: "Retry records that failed the primary store upload",
	RunE:  fixRunE(model.RunS3Fix),
}

var ossFixCmd = &cobra.Command{
	Use:   "oss_fix",
	Short: "Retry records that failed the secondary store upload",
	RunE:  fixRunE(model.RunOSSFix),
}

var siteFixCmd = &cobra.Command{
	Use:   "site_fix",
	Short: "Retry records that failed site index sync",
	RunE:  fixRunE(model.RunSiteFix),
}

func fixRunE(kind model.RunKind) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *Engine) error {
			sum, err := e.Orchestrator.RunFix(cmd.Context(), kind)
			if err != nil {
				return err
			}
			printSummary(sum)
			return nil
		})
	}
}

var siteCleanCmd = &cobra.Command{
	Use:   "site_clean",
	Short: "Remove flagged records from site indexes and the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *Engine) error {
			sum, err := e.Orchestrator.RunSiteClean(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(sum)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-stage progress counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *Engine) error {
			names := make([]string, 0, 2)
			for _, st := range e.Stores.All() {
				names = append(names, st.Name())
			}
			sort.Strings(names)
			fmt.Printf("stores: %s\n", strings.Join(names, ", "))

			counts, err := e.State.StageCounts(cmd.Context())
			if err != nil {
				return err
			}
			for _, stage := range model.Stages {
				states := counts[stage]
				if len(states) == 0 {
					fmt.Printf("%-18s (no records)\n", stage)
					continue
				}
				keys := make([]string, 0, len(states))
				for st := range states {
					keys = append(keys, string(st))
				}
				sort.Strings(keys)
				fmt.Printf("%-18s", stage)
				for _, st := range keys {
					fmt.Printf(" %s=%d", st, states[model.StageState(st)])
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var flagRemovalCmd = &cobra.Command{
	Use:   "flag-removal <video-id>...",
	Short: "Flag records for removal by the next site_clean",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *Engine) error {
			for _, id := range args {
				if err := e.State.MarkPendingRemoval(cmd.Context(), id); err != nil {
					return fmt.Errorf("flag %s: %w", id, err)
				}
				fmt.Printf("flagged %s for removal\n", id)
			}
			return nil
		})
	},
}

func printSummary(sum *model.RunSummary) {
	fmt.Printf("run %s (%s): processed=%d succeeded=%d skipped=%d failed=%d in %s\n",
		sum.RunID, sum.Kind, sum.Processed, sum.Succeeded, sum.Skipped,
		sum.Failed(), sum.Duration.Round(time.Millisecond))
	if sum.Failed() > 0 {
		for _, stage := range model.Stages {
			if n := sum.FailedByStage[stage]; n > 0 {
				fmt.Fprintf(os.Stderr, "  failed at %s: %d\n", stage, n)
			}
		}
	}
}
