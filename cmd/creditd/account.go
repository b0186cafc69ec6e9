package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/oplog"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/spf13/cobra"
)

func newAccountCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect and administer credit accounts",
	}
	cmd.AddCommand(
		newAccountOpenCommand(cfg),
		newAccountShowCommand(cfg),
		newAccountSetTierCommand(cfg),
		newAccountGrantCommand(cfg),
	)
	return cmd
}

func newAccountOpenCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <user-id>",
		Short: "Open an account holding its tier's allotment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, cfg, func(ledger *ledgerRuntime) error {
				userID, err := credits.NewUserID(args[0])
				if err != nil {
					return err
				}
				rawTier, err := cmd.Flags().GetString(flagTier)
				if err != nil {
					return err
				}
				tier, err := ledger.policy.Tiers.ParseTier(rawTier)
				if err != nil {
					return err
				}
				snapshot, err := ledger.service.OpenAccount(cmd.Context(), userID, tier, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newAccountView(snapshot))
			})
		},
	}
	cmd.Flags().String(flagTier, credits.TierFree.String(), "tier of the new account")
	return cmd
}

func newAccountShowCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print an account's balance, tier, counters and next reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, cfg, func(ledger *ledgerRuntime) error {
				userID, err := credits.NewUserID(args[0])
				if err != nil {
					return err
				}
				snapshot, err := ledger.service.CheckBalance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newAccountView(snapshot))
			})
		},
	}
}

func newAccountSetTierCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "set-tier <user-id> <tier>",
		Short: "Record a tier change; the new allotment applies from the next reset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, cfg, func(ledger *ledgerRuntime) error {
				userID, err := credits.NewUserID(args[0])
				if err != nil {
					return err
				}
				tier, err := ledger.policy.Tiers.ParseTier(args[1])
				if err != nil {
					return err
				}
				if err := ledger.store.SetTier(cmd.Context(), userID, tier); err != nil {
					return err
				}
				snapshot, err := ledger.service.CheckBalance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newAccountView(snapshot))
			})
		},
	}
}

func newAccountGrantCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add credits to an account outside the reset cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, cfg, func(ledger *ledgerRuntime) error {
				userID, err := credits.NewUserID(args[0])
				if err != nil {
					return err
				}
				rawAmount, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("%w: %q is not a whole number", credits.ErrInvalidCredits, args[1])
				}
				amount, err := credits.NewCredits(rawAmount)
				if err != nil {
					return err
				}
				reason, err := cmd.Flags().GetString(flagReason)
				if err != nil {
					return err
				}
				balance, err := ledger.service.Grant(cmd.Context(), userID, amount, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"user_id": userID.String(),
					"granted": amount.Int64(),
					"balance": balance.Int64(),
				})
			})
		},
	}
	cmd.Flags().String(flagReason, "", "reason stored in the audit record")
	return cmd
}

func withLedger(cmd *cobra.Command, cfg *runtimeConfig, run func(ledger *ledgerRuntime) error) error {
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
	return run(ledger)
}

type accountView struct {
	UserID            string           `json:"user_id"`
	Balance           int64            `json:"balance"`
	Tier              string           `json:"tier"`
	SecondaryCounters map[string]int64 `json:"secondary_counters"`
	CycleAnchor       time.Time        `json:"cycle_anchor"`
	NextReset         time.Time        `json:"next_reset"`
}

func newAccountView(snapshot credits.Snapshot) accountView {
	return accountView{
		UserID:            snapshot.UserID.String(),
		Balance:           snapshot.Balance.Int64(),
		Tier:              snapshot.Tier.String(),
		SecondaryCounters: snapshot.SecondaryCounters,
		CycleAnchor:       snapshot.CycleAnchor.UTC(),
		NextReset:         snapshot.NextReset.UTC(),
	}
}

func printJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
