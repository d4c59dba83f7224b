package cmd

import (
	"github.com/spf13/cobra"

	"cryptomaint/config"
)

var (
	indexSel    selection
	indexKeys   []string
	indexUnique bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Create indexes without removing duplicates first",
	Long: `Index creates each given index on the selected collections. A unique
index fails on a collection that still holds duplicates; use dedupe for
those.

Example usage:
  cryptomaint index --db analysis --collection param_set_meta --keys name --unique
  cryptomaint index --db analysis --collection param_optimization --keys "PL(%)"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task := indexSel.task("cli-index", config.ActionCreateIndex)
		task.Indexes = parseIndexFlags(indexKeys, indexUnique)
		_, err := runTasks(cmd.Context(), false, task)
		return err
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexSel.register(indexCmd)
	indexCmd.Flags().StringArrayVar(&indexKeys, "keys", nil, "index keys, comma separated (repeatable, one index each)")
	indexCmd.Flags().BoolVar(&indexUnique, "unique", false, "create unique indexes")
	_ = indexCmd.MarkFlagRequired("keys")
}
