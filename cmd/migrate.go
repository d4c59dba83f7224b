package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cryptomaint/config"
	"cryptomaint/internal/migration"
)

var (
	migrateSel  selection
	migrateName string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply a registered field migration once per collection",
	Long: `Migrate applies a registered migration to every selected collection that
has not had it yet. Applied migrations are recorded in the _schema_migrations
collection of the database and skipped on later runs. Without --yes the
migration is only planned.

Example usage:
  cryptomaint migrate list
  cryptomaint migrate --db exchange --contains _ohlcv_ --name ohlcv-hlc-column-fix --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task := migrateSel.task("cli-migrate", config.ActionMigrate)
		task.Migration = migrateName
		sum, err := runTasks(cmd.Context(), false, task)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, rep := range sum.Reports {
			for _, name := range rep.Collections {
				o := rep.Migrations[name]
				switch {
				case o == nil:
				case o.Skipped:
					fmt.Fprintf(out, "%s.%s: already applied\n", rep.Database, name)
				case o.DryRun:
					fmt.Fprintf(out, "%s.%s: planned %d steps\n", rep.Database, name, len(o.Steps))
				default:
					fmt.Fprintf(out, "%s.%s: applied, %d records, run %s\n", rep.Database, name, o.Record.Modified, o.Record.RunID)
				}
			}
		}
		return nil
	},
}

var migrateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered migrations",
	// needs neither the configuration nor a connection
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRENAMES\tDESCRIPTION")
		for _, m := range migration.DefaultRegistry().List() {
			renames := make([]string, 0, len(m.Renames))
			for _, from := range sortedRenameSources(m.Renames) {
				renames = append(renames, from+"->"+m.Renames[from])
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, strings.Join(renames, ","), m.Description)
		}
		return tw.Flush()
	},
}

func sortedRenameSources(renames map[string]string) []string {
	keys := make([]string, 0, len(renames))
	for k := range renames {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateListCmd)
	migrateSel.register(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateName, "name", "", "migration id (see migrate list)")
	_ = migrateCmd.MarkFlagRequired("name")
}
