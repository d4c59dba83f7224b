package cmd

import (
	"github.com/spf13/cobra"

	"cryptomaint/config"
)

var (
	dedupeSel     selection
	dedupeKey     []string
	dedupeIndexes []string
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate records and enforce a unique index on the key",
	Long: `Dedupe groups the records of every selected collection by the key, keeps
the record with the lowest _id of each group, deletes the rest and then
creates a unique index on the key.

Example usage:
  cryptomaint dedupe --db exchange --contains _ohlcv_ --key timestamp
  cryptomaint dedupe --db trade --contains _trades --key id --index timestamp
  cryptomaint dedupe --db api --collection authy_account --key uid`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task := dedupeSel.task("cli-dedupe", config.ActionEnforceUnique)
		task.Key = dedupeKey
		task.Indexes = parseIndexFlags(dedupeIndexes, false)
		_, err := runTasks(cmd.Context(), false, task)
		return err
	},
}

func init() {
	rootCmd.AddCommand(dedupeCmd)
	dedupeSel.register(dedupeCmd)
	dedupeCmd.Flags().StringSliceVar(&dedupeKey, "key", nil, "logical key fields, in order")
	dedupeCmd.Flags().StringArrayVar(&dedupeIndexes, "index", nil, "extra non-unique index, comma separated keys (repeatable)")
	_ = dedupeCmd.MarkFlagRequired("key")
}
