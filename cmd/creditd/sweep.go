package main

import (
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/cycle"
	"github.com/MarkoPoloResearchLab/credits/internal/oplog"
	"github.com/spf13/cobra"
)

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reset every account whose cycle boundary has passed",
		Long:  "Runs one reset sweep and prints its report. Safe to repeat; accounts already reset for the current cycle are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ledger, err := openLedger(cmd.Context(), cfg, oplog.New(logger))
			if err != nil {
				return err
			}
			defer func() { _ = ledger.close() }()

			sweeper := cycle.NewSweeper(cycle.SweeperConfig{
				Lister:   ledger.store,
				Resetter: ledger.service,
				Logger:   logger,
			})
			report := sweeper.RunResetSweep(cmd.Context(), time.Now().UTC())
			if err := printJSON(cmd.OutOrStdout(), newSweepView(report)); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d reset sweep errors", len(report.Errors))
			}
			return nil
		},
	}
}

type sweepView struct {
	AccountsChecked int              `json:"accounts_checked"`
	AccountsReset   int              `json:"accounts_reset"`
	Errors          []sweepErrorView `json:"errors"`
}

type sweepErrorView struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

func newSweepView(report cycle.SweepReport) sweepView {
	view := sweepView{
		AccountsChecked: report.AccountsChecked,
		AccountsReset:   report.AccountsReset,
		Errors:          make([]sweepErrorView, 0, len(report.Errors)),
	}
	for _, accountErr := range report.Errors {
		view.Errors = append(view.Errors, sweepErrorView{UserID: accountErr.UserID.String(), Error: accountErr.Err.Error()})
	}
	return view
}
