// SPDX-License-Identifier: Apache-2.0
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
)

var (
	verbosity int
	seed      int64
)

var rootCmd = &cobra.Command{
	Use:   "anica",
	Short: "Discover inconsistencies between basic block throughput predictors",
	Long: `anica samples machine basic blocks, compares the predictions of several
throughput predictors on them, and generalizes blocks on which the predictors
disagree into abstract patterns that each describe infinitely many
inconsistent blocks.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		commonlog.Configure(verbosity, nil)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 424242, "seed for all random decisions")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(generalizeCmd)
	rootCmd.AddCommand(makeConfigsCmd)
	rootCmd.AddCommand(checkPredictorsCmd)

	if err := rootCmd.Execute(); err != nil {
		color.Red("❌ %s", err)
		os.Exit(1)
	}
}
