package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cryptomaint/internal/selector"
	"cryptomaint/internal/store"
	"cryptomaint/models"
	"cryptomaint/processor"
)

var (
	collectionsSel   selection
	collectionsCount bool
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List the collections a selection matches",
	Long: `Collections prints the collections of a database that the selection flags
match, so a selection can be checked before it is used in a task. Named
collections must exist and are listed alongside the filter matches, exactly
as a task resolves them. Without any selection flag every collection is
listed.

Example usage:
  cryptomaint collections --db exchange --contains _ohlcv_ --timeframe 1m,5m
  cryptomaint collections --db trade --suffix _trades --count`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer s.close()

		db := s.client.Database(s.cfg.Database(collectionsSel.database))
		return listCollections(cmd.Context(), cmd.OutOrStdout(), db, collectionsSel, collectionsCount)
	},
}

func listCollections(ctx context.Context, out io.Writer, db store.Database, sel selection, withCount bool) error {
	task := sel.task("cli-collections", "")
	var selected []string
	if len(task.Collections) == 0 && task.Match.IsZero() {
		names, err := db.ListCollectionNames(ctx)
		if err != nil {
			return err
		}
		selected = selector.Select(names, nil)
	} else {
		var err error
		selected, err = processor.ResolveCollections(ctx, db, task)
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if withCount {
		fmt.Fprintln(tw, "COLLECTION\tKIND\tRECORDS")
	} else {
		fmt.Fprintln(tw, "COLLECTION\tKIND")
	}
	for _, name := range selected {
		kind := models.ParseCollectionName(name).Kind
		if kind == models.KindUnknown {
			kind = "-"
		}
		if !withCount {
			fmt.Fprintf(tw, "%s\t%s\n", name, kind)
			continue
		}
		n, err := db.Collection(name).Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", name, kind, n)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(collectionsCmd)
	collectionsSel.register(collectionsCmd)
	collectionsCmd.Flags().BoolVar(&collectionsCount, "count", false, "also count the records of each collection")
}
