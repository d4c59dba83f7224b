// Package writer exports collections to CSV or Parquet files on local disk
// or in S3.
package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	appconfig "cryptomaint/config"
	"cryptomaint/internal/metrics"
	"cryptomaint/internal/store"
	"cryptomaint/logger"
	"cryptomaint/models"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"

	DestinationLocal = "local"
	DestinationS3    = "s3"
)

// ErrUnsupportedSchema is returned when a Parquet export has no record schema.
var ErrUnsupportedSchema = errors.New("no parquet schema for collection")

// Request selects how one collection is exported. Empty fields fall back to
// the export section of the configuration.
type Request struct {
	Database    string
	Format      string
	Destination string
	Schema      string
	SortField   string
}

// Result describes a finished export.
type Result struct {
	Collection string
	Location   string
	Records    int64
	Bytes      int64
	BatchID    string
}

// Exporter writes collections out. The uploader is only needed for S3
// destinations.
type Exporter struct {
	cfg      *appconfig.Config
	uploader Uploader
	log      *logger.Log
	now      func() time.Time
}

func NewExporter(cfg *appconfig.Config, uploader Uploader) *Exporter {
	return &Exporter{cfg: cfg, uploader: uploader, log: logger.GetLogger(), now: time.Now}
}

func (e *Exporter) resolve(coll string, req Request) Request {
	if req.Format == "" {
		req.Format = e.cfg.Export.Format
	}
	if req.Format == "" {
		req.Format = FormatCSV
	}
	if req.Destination == "" {
		req.Destination = DestinationLocal
	}
	if req.SortField == "" {
		req.SortField = e.cfg.Export.SortField
	}
	if req.Schema == "" {
		req.Schema = models.ParseCollectionName(coll).Kind
	}
	return req
}

// Export streams every record of coll, sorted by the sort field, into the
// requested format and destination.
func (e *Exporter) Export(ctx context.Context, coll store.Collection, req Request) (*Result, error) {
	req = e.resolve(coll.Name(), req)
	batchID := uuid.New().String()

	log := e.log.WithComponent("exporter").WithFields(logger.Fields{
		"batch_id":    batchID,
		"database":    req.Database,
		"collection":  coll.Name(),
		"format":      req.Format,
		"destination": req.Destination,
	})
	log.Info("exporting collection")

	if req.Format != FormatCSV && req.Format != FormatParquet {
		return nil, fmt.Errorf("unsupported export format '%s'", req.Format)
	}
	if req.Format == FormatParquet && req.Schema != models.KindOHLCV && req.Schema != models.KindTrades {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSchema, coll.Name())
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	switch req.Destination {
	case DestinationLocal:
		res, err = e.exportLocal(ctx, coll, req)
	case DestinationS3:
		res, err = e.exportS3(ctx, coll, req, batchID)
	default:
		err = fmt.Errorf("unsupported export destination '%s'", req.Destination)
	}
	if err != nil {
		log.WithError(err).Error("export failed")
		return nil, err
	}
	res.Collection = coll.Name()
	res.BatchID = batchID

	metrics.AddExported(req.Database, coll.Name(), res.Records)
	logger.LogDataFlowEntry(log, coll.Name(), res.Location, int(res.Records), req.Schema)
	logger.LogPerformanceEntry(log, "exporter", "export", time.Since(start), logger.Fields{"file_size": res.Bytes})
	return res, nil
}

func (e *Exporter) exportLocal(ctx context.Context, coll store.Collection, req Request) (*Result, error) {
	dir := filepath.Join(e.cfg.Export.Directory, req.Database)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	target := filepath.Join(dir, coll.Name()+"."+req.Format)

	var (
		n   int64
		err error
	)
	if req.Format == FormatParquet {
		n, err = writeParquetFile(ctx, coll, req, target, e.cfg.Export.Compression)
	} else {
		n, err = writeCSVFile(ctx, coll, req, target)
	}
	if err != nil {
		if rerr := os.Remove(target); rerr != nil && !os.IsNotExist(rerr) {
			e.log.WithComponent("exporter").WithError(rerr).WithFields(logger.Fields{"path": target}).Warn("failed to remove partial export")
		}
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat export: %w", err)
	}
	return &Result{Location: target, Records: n, Bytes: info.Size()}, nil
}

func writeCSVFile(ctx context.Context, coll store.Collection, req Request, target string) (int64, error) {
	f, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}
	n, err := WriteCSV(ctx, f, coll, req.Schema, req.SortField)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", target, cerr)
	}
	return n, err
}

func (e *Exporter) exportS3(ctx context.Context, coll store.Collection, req Request, batchID string) (*Result, error) {
	if e.uploader == nil || !e.cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 export requested but storage.s3 is not enabled")
	}

	var (
		data []byte
		n    int64
		err  error
	)
	if req.Format == FormatParquet {
		data, n, err = buildParquet(ctx, coll, req, e.cfg.Export.Compression)
	} else {
		var buf bytes.Buffer
		n, err = WriteCSV(ctx, &buf, coll, req.Schema, req.SortField)
		data = buf.Bytes()
	}
	if err != nil {
		return nil, err
	}

	key := e.objectKey(req, coll.Name(), batchID)
	if err := upload(ctx, e.uploader, e.cfg, key, req.Format, data); err != nil {
		e.log.WithComponent("exporter").WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": e.cfg.Storage.S3.Bucket, "s3_key": key}).
			Error("failed to upload to S3")
		return nil, err
	}
	return &Result{
		Location: fmt.Sprintf("s3://%s/%s", e.cfg.Storage.S3.Bucket, key),
		Records:  n,
		Bytes:    int64(len(data)),
	}, nil
}

func (e *Exporter) objectKey(req Request, coll, batchID string) string {
	ts := e.now().UTC().Format("20060102150405")
	name := fmt.Sprintf("%s_%s_%s.%s", coll, ts, batchID[:8], req.Format)
	return path.Join(e.cfg.Storage.S3.Prefix, req.Database, coll, name)
}
