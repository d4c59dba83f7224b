package writer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"go.mongodb.org/mongo-driver/bson"

	"cryptomaint/internal/store"
	"cryptomaint/models"
)

// OHLCVRecord is the Parquet row of an ohlcv export.
type OHLCVRecord struct {
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// TradeRecord is the Parquet row of a trades export.
type TradeRecord struct {
	ID        string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Datetime  string  `parquet:"name=datetime, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
}

// memoryFileWriter implements source.ParquetFile over a buffer for uploads.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the current size; the writer never seeks backwards.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// recordFor decodes a document into the Parquet row of schema. The _id is
// not exported.
func recordFor(schema string, doc bson.M) (interface{}, error) {
	fields := make(bson.M, len(doc))
	for k, v := range doc {
		if k != "_id" {
			fields[k] = v
		}
	}
	raw, err := bson.Marshal(fields)
	if err != nil {
		return nil, err
	}
	switch schema {
	case models.KindOHLCV:
		var bar models.OHLCV
		if err := bson.Unmarshal(raw, &bar); err != nil {
			return nil, err
		}
		return OHLCVRecord{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		}, nil
	case models.KindTrades:
		var tr models.Trade
		if err := bson.Unmarshal(raw, &tr); err != nil {
			return nil, err
		}
		return TradeRecord{
			ID:        tr.TradeID,
			Timestamp: tr.Timestamp,
			Datetime:  tr.Datetime,
			Symbol:    tr.Symbol,
			Side:      tr.Side,
			Price:     tr.Price,
			Amount:    tr.Amount,
		}, nil
	}
	return nil, fmt.Errorf("%w: schema '%s'", ErrUnsupportedSchema, schema)
}

func schemaObject(schema string) interface{} {
	if schema == models.KindTrades {
		return new(TradeRecord)
	}
	return new(OHLCVRecord)
}

// writeParquet streams coll into fw and finalises the file.
func writeParquet(ctx context.Context, fw source.ParquetFile, coll store.Collection, req Request, compression string) (int64, error) {
	pw, err := writer.NewParquetWriter(fw, schemaObject(req.Schema), 1)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	var n int64
	err = coll.Each(ctx, req.SortField, func(doc bson.M) error {
		rec, err := recordFor(req.Schema, doc)
		if err != nil {
			return fmt.Errorf("failed to convert record %v: %w", doc["_id"], err)
		}
		if err := pw.Write(rec); err != nil {
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
		n++
		return nil
	})
	if err != nil {
		_ = pw.WriteStop()
		return n, err
	}
	if err := pw.WriteStop(); err != nil {
		return n, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return n, nil
}

func writeParquetFile(ctx context.Context, coll store.Collection, req Request, target, compression string) (int64, error) {
	fw, err := local.NewLocalFileWriter(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}
	n, err := writeParquet(ctx, fw, coll, req, compression)
	if cerr := fw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", target, cerr)
	}
	return n, err
}

func buildParquet(ctx context.Context, coll store.Collection, req Request, compression string) ([]byte, int64, error) {
	fw := newMemoryFileWriter()
	n, err := writeParquet(ctx, fw, coll, req, compression)
	if err != nil {
		return nil, n, err
	}
	return fw.Bytes(), n, nil
}
