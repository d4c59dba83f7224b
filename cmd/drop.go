package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptomaint/config"
)

var dropSel selection

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the selected collections",
	Long: `Drop removes every selected collection. Without --yes it only lists what
would be dropped. In production and staging --yes is not enough: the drop
must be a task with confirm: true in the tasks file.

Example usage:
  cryptomaint drop --db exchange --contains _ohlcv_ --timeframe 1m,5m,15m
  cryptomaint drop --db exchange --contains _ohlcv_ --timeframe 1m --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task := dropSel.task("cli-drop", config.ActionDrop)
		sum, err := runTasks(cmd.Context(), false, task)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, rep := range sum.Reports {
			verb := "dropped"
			names := rep.Dropped
			if rep.DryRun {
				verb = "would drop"
				names = rep.Collections
			}
			for _, name := range names {
				fmt.Fprintf(out, "%s %s.%s\n", verb, rep.Database, name)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dropCmd)
	dropSel.register(dropCmd)
}
