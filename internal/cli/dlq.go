package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/aiguard/internal/core/domain"
)

var (
	dlqStatus string
	dlqLimit  int
	dlqDays   int
	dlqReason string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries in a status (default PENDING)",
	Run:   runDLQList,
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts per status",
	Run:   runDLQStats,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Replay one entry, or every pending entry when no id is given",
	Args:  cobra.MaximumNArgs(1),
	Run:   runDLQRetry,
}

var dlqCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel an entry so it is never replayed",
	Args:  cobra.ExactArgs(1),
	Run:   runDLQCancel,
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished entries older than --days",
	Run:   runDLQCleanup,
}

var dlqImportCmd = &cobra.Command{
	Use:   "import-fallback",
	Short: "Import entries written to the fallback log while the store was down",
	Run:   runDLQImport,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", string(domain.DLQStatusPending), "entry status")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum entries to show")
	dlqCancelCmd.Flags().StringVar(&dlqReason, "reason", "", "cancellation reason")
	dlqCleanupCmd.Flags().IntVar(&dlqDays, "days", 0, "age in days (default dlq.retention_days)")

	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqRetryCmd, dlqCancelCmd, dlqCleanupCmd, dlqImportCmd)
	rootCmd.AddCommand(dlqCmd)
}

func runDLQList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	entries, err := app.Queue().List(ctx, domain.DLQStatus(dlqStatus), dlqLimit)
	if err != nil {
		slog.Error("Failed to list entries", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tOPERATION\tPRINCIPAL\tCATEGORY\tATTEMPTS\tCREATED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.OperationType, e.PrincipalID, e.Error.Category, e.AttemptCount, e.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func runDLQStats(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	stats, err := app.Queue().GetStats(ctx)
	if err != nil {
		slog.Error("Failed to load stats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, s := range domain.AllDLQStatuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, stats.Counts[s])
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\n", stats.Total)
	_ = w.Flush()
}

func runDLQRetry(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()
	handlers := app.Service().Handlers()

	if len(args) == 0 {
		report, err := app.Queue().RetryAll(ctx, handlers)
		if err != nil {
			slog.Error("Failed to retry entries", "error", err)
			os.Exit(1)
		}
		fmt.Printf("processed=%d succeeded=%d failed=%d\n", report.Processed, report.Succeeded, report.Failed)
		return
	}

	entry, err := app.Queue().Get(ctx, args[0])
	if err != nil {
		slog.Error("Failed to load entry", "id", args[0], "error", err)
		os.Exit(1)
	}
	fn, ok := handlers[entry.OperationType]
	if !ok {
		slog.Error("No retry handler registered", "operation", entry.OperationType)
		os.Exit(1)
	}
	entry, err = app.Queue().Retry(ctx, entry.ID, fn)
	if err != nil {
		slog.Error("Retry failed", "id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s %s\n", entry.ID, entry.Status)
}

func runDLQCancel(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	entry, err := app.Queue().Cancel(ctx, args[0], dlqReason)
	if err != nil {
		slog.Error("Cancel failed", "id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s %s\n", entry.ID, entry.Status)
}

func runDLQCleanup(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	days := dlqDays
	if days <= 0 {
		days = app.RetentionDays()
	}
	n, err := app.Queue().Cleanup(ctx, days)
	if err != nil {
		slog.Error("Cleanup failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %d entries older than %d days\n", n, days)
}

func runDLQImport(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	if app.FallbackLog() == nil {
		slog.Error("dlq.fallback_log is not configured")
		os.Exit(1)
	}
	n, err := app.Queue().Replay(ctx, app.FallbackLog())
	if err != nil {
		slog.Error("Import failed", "path", app.FallbackLog().Path(), "error", err)
		os.Exit(1)
	}
	fmt.Printf("imported %d entries from %s\n", n, app.FallbackLog().Path())
}
