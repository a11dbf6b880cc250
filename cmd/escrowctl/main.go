// Command escrowctl is the operator CLI: it inspects the milestone catalog,
// replays and reconciles the ledger, bootstraps Kafka topics and mints
// development tokens.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate the surrogacy escrow service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(catalogCmd())
	root.AddCommand(ledgerCmd())
	root.AddCommand(kafkaCmd())
	root.AddCommand(tokenCmd())
	return root
}
