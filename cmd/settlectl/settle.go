package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/settlement"
)

func settleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle [trade_id]",
		Short: "Run automatic settlement for a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettle(cmd.Context(), args[0], settlement.Trigger{Kind: settlement.TriggerAuto})
		},
	}
}

func retryCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "retry [trade_id]",
		Short: "Manually retry settlement for a trade, recorded against an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettle(cmd.Context(), args[0], settlement.Trigger{Kind: settlement.TriggerManual, Actor: actor})
		},
	}

	cmd.Flags().StringVarP(&actor, "actor", "a", os.Getenv("USER"), "Operator id written to the audit trail")
	return cmd
}

func runSettle(ctx context.Context, tradeID string, trig settlement.Trigger) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	outcome, err := a.Settlement.Settle(ctx, tradeID, trig)
	if errors.Is(err, settlement.ErrOutcomeUnknown) {
		fmt.Println("Outcome unknown; the attempt stays pending until it is reconciled.")
	}
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over unpaid trades and pending withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Processor.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		targetType string
		action     string
		since      time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "audit [target_id]",
		Short: "List audit trail entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			f := audit.Filter{
				TargetType: targetType,
				Action:     action,
				Limit:      limit,
			}
			if len(args) == 1 {
				f.TargetID = args[0]
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}

			entries, err := a.Trail.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No entries")
				return nil
			}
			for _, e := range entries {
				actor := "system"
				if e.ActorID != nil {
					actor = *e.ActorID
				}
				fmt.Printf("%s  %-22s %-8s %-6s %-40s %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Action, e.Result, e.TargetType, e.TargetID, actor)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetType, "target", "t", "", "Target type (trade, wallet)")
	cmd.Flags().StringVar(&action, "action", "", "Action filter")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
