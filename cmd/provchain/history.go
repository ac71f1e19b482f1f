package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/provchain/core/ledger"
	"github.com/spf13/cobra"
)

type historyOutput struct {
	OK   bool              `json:"ok"`
	Runs []ledger.RunEntry `json:"runs"`
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			runLedger, err := a.openLedger()
			if err != nil {
				return err
			}
			defer a.closeLedger(runLedger)
			runs, err := runLedger.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []ledger.RunEntry{}
			}
			a.report(historyOutput{OK: true, Runs: runs}, renderHistory(runs), exitOK)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 lists all)")
	return cmd
}

func renderHistory(runs []ledger.RunEntry) string {
	if len(runs) == 0 {
		return "no runs recorded\n"
	}
	var builder strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&builder, "%s  %s  %-14s steps=%d", run.StartedAt.Format(time.RFC3339), run.RunID, run.State, run.Steps)
		if run.ChainPath != "" {
			fmt.Fprintf(&builder, "  %s", run.ChainPath)
		}
		if run.Error != "" {
			fmt.Fprintf(&builder, "  error=%q", run.Error)
		}
		builder.WriteByte('\n')
	}
	return builder.String()
}
