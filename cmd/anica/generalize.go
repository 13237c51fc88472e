// SPDX-License-Identifier: Apache-2.0
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"anica/internal/abstraction"
	"anica/internal/config"
	"anica/internal/discovery"
)

var (
	generalizeOutDir   string
	generalizeStrategy string
)

var generalizeCmd = &cobra.Command{
	Use:   "generalize ASM CONFIG PREDICTOR...",
	Short: "Generalize one user-supplied basic block",
	Long: `Reads a basic block from the given assembly file (instructions separated by
newlines or semicolons) and generalizes it while the predictors keep
disagreeing on its samples.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading assembly: %w", err)
		}
		campaign, err := config.Load(args[1])
		if err != nil {
			return err
		}
		ctx, err := config.NewContext(campaign, config.ContextOptions{PredictorKeys: args[2:]})
		if err != nil {
			return err
		}

		bb, err := ctx.ISA.ParseAsm(string(source))
		if err != nil {
			return err
		}
		fmt.Printf("generalizing block:\n%s\n\n", bb)

		engine := ctx.NewEngine(seed)
		engine.Interact = promptExpansion

		start := abstraction.FromConcrete(ctx.Domain, bb)
		var remarks []string
		generalized, trace, resultRef, err := engine.Generalize(context.Background(), start, generalizeStrategy, &remarks)
		if err != nil {
			return err
		}

		fmt.Printf("generalized block:\n%s\n", generalized)
		for _, remark := range remarks {
			fmt.Printf("remark: %s\n", remark)
		}

		if generalizeOutDir != "" {
			if err := os.MkdirAll(generalizeOutDir, 0o755); err != nil {
				return err
			}
			d := &discovery.Discovery{ID: "generalized", AB: generalized, Trace: trace, Remarks: remarks, ResultRef: resultRef}
			if err := trace.DumpJSON(filepath.Join(generalizeOutDir, "witness.json"), campaign.Doc(), ctx.RefManager); err != nil {
				return err
			}
			if err := engine.DumpDiscovery(d, filepath.Join(generalizeOutDir, "discovery.json")); err != nil {
				return err
			}
		}
		color.Green("✅ generalization finished after %d witness steps", trace.Len())
		return nil
	},
}

// promptExpansion implements the interactive strategy: the candidate
// expansions are listed and the user picks one by index.
func promptExpansion(ab *abstraction.AbstractBlock, candidates []abstraction.Expansion) abstraction.Expansion {
	fmt.Printf("current block:\n%s\n", ab)
	for i, exp := range candidates {
		fmt.Printf("  [%d] %s (benefit: %d)\n", i, exp.Token, exp.Benefit)
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("expansion to apply: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return candidates[0]
		}
		idx, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && idx >= 0 && idx < len(candidates) {
			return candidates[idx]
		}
		fmt.Println("not a valid candidate index")
	}
}

func init() {
	generalizeCmd.Flags().StringVarP(&generalizeOutDir, "output", "o", "", "directory for the resulting discovery and witness")
	generalizeCmd.Flags().StringVar(&generalizeStrategy, "strategy", discovery.StrategyMaxBenefit, "generalization strategy (max_benefit, random, interactive)")
}
