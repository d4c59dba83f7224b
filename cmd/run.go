package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptomaint/config"
)

var runOnly []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enabled tasks of the tasks file in order",
	Long: `Run executes every enabled task of the tasks file in file order and stops
at the first failure.

Example usage:
  cryptomaint run
  cryptomaint run --only ohlcv-unique-timestamp --only api-account-unique-uid
  cryptomaint run --tasks config/tasks.yml --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := config.LoadTasks(tasksPath)
		if err != nil {
			return err
		}

		tasks := set.Tasks
		if len(runOnly) > 0 {
			tasks = tasks[:0:0]
			for _, name := range runOnly {
				t, ok := set.Find(name)
				if !ok {
					return fmt.Errorf("task '%s' not found in %s", name, tasksPath)
				}
				enabled := true
				t.Enabled = &enabled
				tasks = append(tasks, t)
			}
		}

		needExporter := false
		for _, t := range tasks {
			if t.Action == config.ActionExport && t.IsEnabled() {
				needExporter = true
			}
		}
		_, err = runTasks(cmd.Context(), needExporter, tasks...)
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "run only these tasks, even when disabled in the file")
}
