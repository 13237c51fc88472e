// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"anica/internal/config"
	"anica/internal/isa"
)

var makeConfigsCmd = &cobra.Command{
	Use:   "make-configs DIR",
	Short: "Scaffold default configuration files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefaultConfigs(args[0]); err != nil {
			return err
		}
		color.Green("✅ wrote default configs to %s", args[0])
		return nil
	},
}

var checkPredictorsCmd = &cobra.Command{
	Use:   "check-predictors CONFIG PREDICTOR...",
	Short: "Run every predictor on a sample of each instruction scheme",
	Long: `Instantiates one concrete instruction per scheme of the sampling universe and
evaluates all predictors on it, reporting the schemes a predictor fails on.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		campaign, err := config.Load(args[0])
		if err != nil {
			return err
		}
		ctx, err := config.NewContext(campaign, config.ContextOptions{
			PredictorKeys: args[1:],
			WithoutDB:     true,
		})
		if err != nil {
			return err
		}

		failures := make(map[string][]string)
		numChecked := 0
		for _, scheme := range ctx.ISA.Schemes() {
			bb, err := instantiateScheme(ctx, scheme)
			if err != nil {
				color.Yellow("cannot instantiate %s: %s", scheme, err)
				continue
			}
			numChecked++
			evals, _, err := ctx.PredManager.EvalWithAllAndReport(context.Background(), []*isa.BasicBlock{bb}, ctx.Coder)
			if err != nil {
				return err
			}
			for key, res := range evals[0] {
				if res.Errored() {
					failures[key] = append(failures[key], scheme.String())
				}
			}
		}

		ok := true
		for _, key := range ctx.PredManager.Keys() {
			failed := failures[key]
			if len(failed) == 0 {
				color.Green("✅ %s: all %d schemes predicted", key, numChecked)
				continue
			}
			ok = false
			color.Red("❌ %s: %d of %d schemes failed", key, len(failed), numChecked)
			for _, scheme := range failed {
				fmt.Printf("    %s\n", scheme)
			}
		}
		if !ok {
			return fmt.Errorf("some predictors failed on parts of the scheme universe")
		}
		return nil
	},
}

// instantiateScheme builds one concrete instruction for a scheme by taking
// the first allowed operand for every slot.
func instantiateScheme(ctx *config.Context, scheme *isa.InsnScheme) (*isa.BasicBlock, error) {
	ops := make(map[string]isa.Operand)
	for _, nos := range scheme.ExplicitOperands() {
		if nos.Scheme.IsFixed() {
			continue
		}
		allowed := ctx.Domain.Augmentation.AllowedOperands(nos.Scheme)
		if len(allowed) == 0 {
			return nil, fmt.Errorf("no allowed operand for %s", nos.Key)
		}
		ops[nos.Key] = allowed[0]
	}
	insn, err := scheme.Instantiate(ops)
	if err != nil {
		return nil, err
	}
	return isa.NewBasicBlock([]*isa.Insn{insn}), nil
}
