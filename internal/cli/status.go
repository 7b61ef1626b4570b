package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/usage"
)

var (
	costsPeriod string
	costsTop    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store reachability and DLQ counts",
	Run:   runStatus,
}

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show AI spend by operation, model and principal",
	Run:   runCosts,
}

func init() {
	costsCmd.Flags().StringVar(&costsPeriod, "period", "day", "day, week or month")
	costsCmd.Flags().IntVar(&costsTop, "top", 10, "number of principals to list")
	rootCmd.AddCommand(statusCmd, costsCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	report := app.Health(ctx)
	fmt.Printf("status: %s\n\n", report.Status)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COMPONENT\tPRIMARY\tSTATUS\tLATENCY\tERROR")
	for _, c := range report.Components {
		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", c.Name, c.Primary, c.Status, c.Latency, c.Error)
	}
	if report.DLQ != nil {
		_, _ = fmt.Fprintf(w, "dlq\t\t%d entries\t\t\n", report.DLQ.Total)
	}
	_ = w.Flush()
}

func runCosts(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	since, err := usage.PeriodSince(costsPeriod, time.Now())
	if err != nil {
		slog.Error("Invalid period", "error", err)
		os.Exit(1)
	}
	ov, err := app.Ledger().Overview(ctx, since)
	if err != nil {
		slog.Error("Failed to load overview", "error", err)
		os.Exit(1)
	}
	top, err := app.Ledger().TopPrincipals(ctx, since, costsTop)
	if err != nil {
		slog.Error("Failed to load top principals", "error", err)
		os.Exit(1)
	}

	fmt.Printf("since %s: $%.4f over %d requests (%d failed, %d principals)\n\n",
		since.Format(time.RFC3339), ov.Total.Cost, ov.Total.Requests, ov.FailedRequests, ov.UniquePrincipals)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "GROUP\tNAME\tREQUESTS\tTOKENS\tCOST\tAVG")
	for _, op := range domain.AllOperationTypes {
		a, ok := ov.ByOperation[op]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(w, "operation\t%s\t%d\t%d\t%.4f\t%.4f\n", op, a.Requests, a.Tokens, a.Cost, a.AvgCost)
	}
	models := make([]string, 0, len(ov.ByModel))
	for m := range ov.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		a := ov.ByModel[m]
		_, _ = fmt.Fprintf(w, "model\t%s\t%d\t%d\t%.4f\t%.4f\n", m, a.Requests, a.Tokens, a.Cost, a.AvgCost)
	}
	for _, p := range top {
		_, _ = fmt.Fprintf(w, "principal\t%s\t%d\t%d\t%.4f\t%.4f\n", p.PrincipalID, p.Requests, p.Tokens, p.Cost, p.AvgCost)
	}
	_ = w.Flush()
}
