package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	ledgermodels "escrow/internal/ledger/models"
	ledgerservice "escrow/internal/ledger/service"
	ledgerstore "escrow/internal/ledger/store"
	"escrow/internal/platform/config"
	"escrow/internal/platform/logger"
	"escrow/internal/platform/postgres"
	id "escrow/pkg/domain"
	txcontext "escrow/pkg/platform/tx"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Replay and reconcile the payment ledger",
	}
	cmd.AddCommand(ledgerReplayCmd())
	cmd.AddCommand(ledgerReconcileCmd())
	return cmd
}

func ledgerReplayCmd() *cobra.Command {
	var contract string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Fold every ledger entry from position zero and print the balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter id.ContractID
			if contract != "" {
				parsed, err := id.ParseContractID(contract)
				if err != nil {
					return err
				}
				filter = parsed
			}
			return withLedger(cmd.Context(), func(ctx context.Context, svc *ledgerservice.Service) error {
				snapshots, err := svc.Replay(ctx)
				if err != nil {
					return err
				}
				if !filter.IsNil() {
					kept := snapshots[:0]
					for _, s := range snapshots {
						if s.ContractID == filter {
							kept = append(kept, s)
						}
					}
					snapshots = kept
				}
				return printSnapshots(cmd, snapshots)
			})
		},
	}
	cmd.Flags().StringVar(&contract, "contract", "", "Only print this contract's account")
	return cmd
}

func ledgerReconcileCmd() *cobra.Command {
	var contract string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check one account's entries against its payments and stored head",
		RunE: func(cmd *cobra.Command, args []string) error {
			contractID, err := id.ParseContractID(contract)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, svc *ledgerservice.Service) error {
				report, err := svc.Reconcile(ctx, contractID)
				if report != nil {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "contract %s: %d payments, balance %s, head %d\n",
						contractID, report.Payments, report.Snapshot.Balance, report.Snapshot.Head)
					for _, p := range report.Problems {
						fmt.Fprintf(out, "  problem: %s\n", p)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&contract, "contract", "", "Contract whose account to reconcile")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}

func withLedger(ctx context.Context, fn func(context.Context, *ledgerservice.Service) error) error {
	cfg := config.FromEnv()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := ledgerservice.New(ledgerstore.NewPostgres(db),
		ledgerservice.WithTx(txcontext.NewSQLRunner(db)),
		ledgerservice.WithLogger(logger.New(cfg.LogLevel)),
	)
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func printSnapshots(cmd *cobra.Command, snapshots []ledgermodels.Snapshot) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTRACT\tDEPOSITS\tDISBURSED\tBALANCE\tHEAD")
	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.ContractID, s.Deposits, s.Disbursed, s.Balance, s.Head)
	}
	return tw.Flush()
}
