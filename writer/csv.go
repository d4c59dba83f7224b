package writer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"cryptomaint/internal/store"
	"cryptomaint/models"
)

func columnsFor(schema string) []string {
	switch schema {
	case models.KindOHLCV:
		return models.OHLCVFields
	case models.KindTrades:
		return models.TradeFields
	}
	return nil
}

// WriteCSV writes a header and one row per record. Known schemas use their
// fixed columns; otherwise the columns are the union of the fields of every
// record, _id first, which costs an extra pass over the collection.
func WriteCSV(ctx context.Context, w io.Writer, coll store.Collection, schema, sortField string) (int64, error) {
	columns := columnsFor(schema)
	if columns == nil {
		var err error
		if columns, err = collectionColumns(ctx, coll); err != nil {
			return 0, err
		}
	}

	cw := csv.NewWriter(w)
	if len(columns) > 0 {
		if err := cw.Write(columns); err != nil {
			return 0, fmt.Errorf("write csv header: %w", err)
		}
	}

	var n int64
	row := make([]string, 0, len(columns))
	err := coll.Each(ctx, sortField, func(doc bson.M) error {
		row = row[:0]
		for _, c := range columns {
			row = append(row, formatValue(doc[c]))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	cw.Flush()
	return n, cw.Error()
}

func collectionColumns(ctx context.Context, coll store.Collection) ([]string, error) {
	seen := make(map[string]struct{})
	err := coll.Each(ctx, "", func(doc bson.M) error {
		for k := range doc {
			seen[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return documentColumns(seen), nil
}

func documentColumns(fields map[string]struct{}) []string {
	cols := make([]string, 0, len(fields))
	for k := range fields {
		if k != "_id" {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	if _, ok := fields["_id"]; ok {
		cols = append([]string{"_id"}, cols...)
	}
	return cols
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case primitive.Decimal128:
		return t.String()
	}
	return fmt.Sprint(v)
}
