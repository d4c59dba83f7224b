package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"cryptomaint/config"
)

var (
	duplicatesSel selection
	duplicatesKey []string
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Report duplicate groups without deleting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		task := duplicatesSel.task("cli-duplicates", config.ActionFindDuplicates)
		task.Key = duplicatesKey
		sum, err := runTasks(cmd.Context(), false, task)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, rep := range sum.Reports {
			names := make([]string, 0, len(rep.Duplicates))
			for name := range rep.Duplicates {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				groups := rep.Duplicates[name]
				fmt.Fprintf(out, "%s.%s: %d duplicate groups\n", rep.Database, name, len(groups))
				for _, g := range groups {
					fmt.Fprintf(out, "  key=%v count=%d keep=%v\n", g.Key, g.Count, g.Survivor())
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(duplicatesCmd)
	duplicatesSel.register(duplicatesCmd)
	duplicatesCmd.Flags().StringSliceVar(&duplicatesKey, "key", nil, "logical key fields, in order")
	_ = duplicatesCmd.MarkFlagRequired("key")
}
