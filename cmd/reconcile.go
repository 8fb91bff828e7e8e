package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/reconciliation"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile payments against an FSP",
	Long:  `Compare local payment state with what the FSP reports for a time window and record discrepancies in the audit ledger.`,
	RunE:  runReconcile,
}

var (
	reconcileFSP  string
	reconcileFrom string
	reconcileTo   string
)

func runReconcile(cmd *cobra.Command, _ []string) error {
	req := reconciliation.Request{FSPCode: reconcileFSP}
	var err error
	if req.StartDate, err = parseFlagTime("from", reconcileFrom); err != nil {
		return err
	}
	if req.EndDate, err = parseFlagTime("to", reconcileTo); err != nil {
		return err
	}

	ctx := internal.ContextWithCorrelationID(context.Background(), fmt.Sprintf("cli-reconcile-%d", time.Now().Unix()))
	deps, err := initializeDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	report, err := deps.Reconciliation.ReconcilePayments(ctx, req)
	if err != nil {
		return err
	}

	deps.Logger.Info("reconciliation finished",
		"fsp_code", report.FSPCode,
		"source", report.Source,
		"checked", report.Checked,
		"matched", report.Matched,
		"discrepant", report.Discrepant,
		"newly_recorded", report.NewlyRecorded)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func parseFlagTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339 or YYYY-MM-DD: %w", name, err)
	}
	return t, nil
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileFSP, "fsp", "", "FSP code to reconcile")
	reconcileCmd.Flags().StringVar(&reconcileFrom, "from", "", "window start, defaults to the configured window before --to")
	reconcileCmd.Flags().StringVar(&reconcileTo, "to", "", "window end, defaults to now")
	_ = reconcileCmd.MarkFlagRequired("fsp")

	rootCmd.AddCommand(reconcileCmd)
}
