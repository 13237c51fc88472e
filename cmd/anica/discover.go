// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"anica/internal/config"
	"anica/internal/discovery"
)

var (
	discoverOutDir         string
	discoverNumBatches     int
	discoverNumDiscoveries int
	discoverSameNum        int
	discoverDays           int
	discoverHours          int
	discoverMinutes        int
	discoverSeconds        int
)

var discoverCmd = &cobra.Command{
	Use:   "discover CONFIG PREDICTOR...",
	Short: "Run a discovery campaign",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		campaign, err := config.Load(args[0])
		if err != nil {
			return err
		}
		ctx, err := config.NewContext(campaign, config.ContextOptions{PredictorKeys: args[1:]})
		if err != nil {
			return err
		}

		termination := discovery.Termination{
			NumBatches:         discoverNumBatches,
			NumDiscoveries:     discoverNumDiscoveries,
			SameNumDiscoveries: discoverSameNum,
			MaxDuration: time.Duration(discoverDays)*24*time.Hour +
				time.Duration(discoverHours)*time.Hour +
				time.Duration(discoverMinutes)*time.Minute +
				time.Duration(discoverSeconds)*time.Second,
		}

		engine := ctx.NewEngine(seed)
		discoveries, err := engine.Discover(context.Background(), termination, nil, discoverOutDir)
		if err != nil {
			return err
		}

		for _, d := range discoveries {
			fmt.Printf("discovery %s:\n%s\n\n", d.ID, d.AB)
		}
		color.Green("✅ campaign finished with %d discoveries", len(discoveries))
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringVarP(&discoverOutDir, "output", "o", "", "directory for reports, discoveries, and witnesses")
	discoverCmd.Flags().IntVar(&discoverNumBatches, "num-batches", 0, "stop after this many batches")
	discoverCmd.Flags().IntVar(&discoverNumDiscoveries, "num-discoveries", 0, "stop after this many discoveries")
	discoverCmd.Flags().IntVar(&discoverSameNum, "same-num-discoveries", 0, "stop after this many batches without a new discovery")
	discoverCmd.Flags().IntVar(&discoverDays, "days", 0, "time budget: days")
	discoverCmd.Flags().IntVar(&discoverHours, "hours", 0, "time budget: hours")
	discoverCmd.Flags().IntVar(&discoverMinutes, "minutes", 0, "time budget: minutes")
	discoverCmd.Flags().IntVar(&discoverSeconds, "seconds", 0, "time budget: seconds")
}
