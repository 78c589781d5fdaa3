// Package archive writes flushed regional aggregates to parquet files
// partitioned by window hour, either on local disk or in S3. It is a
// best-effort side output: the pipeline logs archive failures and moves on,
// the database stays the system of record.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/lucsky/cuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/citypulse/trafficflow/internal/cloudwriter"
	"github.com/citypulse/trafficflow/internal/models"
)

// aggregateRow is the parquet projection of one regional aggregate.
// WindowStart is unix milliseconds.
type aggregateRow struct {
	RegionID               string  `parquet:"name=region_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStart            int64   `parquet:"name=window_start, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	AverageCongestionScore float64 `parquet:"name=average_congestion_score, type=DOUBLE"`
	SensorCount            int64   `parquet:"name=sensor_count, type=INT64"`
	MessageCount           int64   `parquet:"name=message_count, type=INT64"`
}

// ParquetArchive appends aggregates to one parquet file per window hour and
// run. File names carry a per-run id so a restarted pipeline never clobbers
// what an earlier run archived for the same hour.
type ParquetArchive struct {
	root  string
	runID string
	log   *slog.Logger

	cloudFactory cloudwriter.CloudWriterFactory
	bucket       string

	mu      sync.Mutex
	writers map[string]*writer.ParquetWriter
	files   map[string]source.ParquetFile
}

func New(cfg models.ArchiveConfig, logger *slog.Logger) (*ParquetArchive, error) {
	p := &ParquetArchive{
		root:    cfg.OutputFolder,
		runID:   cuid.New(),
		log:     logger,
		writers: make(map[string]*writer.ParquetWriter),
		files:   make(map[string]source.ParquetFile),
	}

	if cfg.Destination != "local" {
		var factory cloudwriter.CloudWriterFactory
		var err error

		switch cfg.CloudStorage.Provider {
		case "s3":
			factory, err = cloudwriter.NewS3WriterFactory(context.Background(), cfg.CloudStorage.Region)
		default:
			return nil, fmt.Errorf("unsupported cloud storage provider: %s", cfg.CloudStorage.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud writer factory: %w", err)
		}

		p.cloudFactory = factory
		p.bucket = cfg.CloudStorage.BucketName
	}

	return p, nil
}

// Archive appends one aggregate to its window hour's partition.
func (p *ParquetArchive) Archive(ctx context.Context, agg *models.RegionalAggregate) error {
	ws := agg.WindowStart.UTC()
	year, month, day := ws.Date()
	partition := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d", year, month, day, ws.Hour())

	p.mu.Lock()
	defer p.mu.Unlock()

	pw, ok := p.writers[partition]
	if !ok {
		var err error
		pw, err = p.openPartition(partition)
		if err != nil {
			return err
		}
	}

	row := aggregateRow{
		RegionID:               agg.RegionID,
		WindowStart:            ws.UnixMilli(),
		AverageCongestionScore: agg.AverageCongestionScore,
		SensorCount:            int64(agg.SensorCount),
		MessageCount:           int64(agg.MessageCount),
	}
	if err := pw.Write(row); err != nil {
		return fmt.Errorf("failed to write aggregate row: %w", err)
	}
	return nil
}

func (p *ParquetArchive) openPartition(partition string) (*writer.ParquetWriter, error) {
	fileName := fmt.Sprintf("aggregates-%s.parquet", p.runID)

	var fw source.ParquetFile
	if p.cloudFactory != nil {
		objectPath := path.Join(p.root, partition, fileName)
		cw, err := p.cloudFactory.NewWriter(p.bucket, objectPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud file writer: %w", err)
		}
		fw = newCloudParquetFile(cw)
	} else {
		dir := filepath.Join(p.root, filepath.FromSlash(partition))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
		var err error
		fw, err = local.NewLocalFileWriter(filepath.Join(dir, fileName))
		if err != nil {
			return nil, fmt.Errorf("failed to create local file writer: %w", err)
		}
	}

	pw, err := writer.NewParquetWriter(fw, new(aggregateRow), 4)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	p.writers[partition] = pw
	p.files[partition] = fw
	p.log.Info("archive partition opened", "partition", partition, "file", fileName)
	return pw, nil
}

// Close finalizes every open partition. Each writer gets its footer written
// and its file closed; the last error wins but every partition is attempted.
func (p *ParquetArchive) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for partition, pw := range p.writers {
		if err := pw.WriteStop(); err != nil {
			lastErr = err
			p.log.Error("failed to finalize archive partition", "partition", partition, "error", err)
		}
		if f, ok := p.files[partition]; ok {
			if err := f.Close(); err != nil {
				lastErr = err
				p.log.Error("failed to close archive file", "partition", partition, "error", err)
			}
		}
	}
	p.writers = make(map[string]*writer.ParquetWriter)
	p.files = make(map[string]source.ParquetFile)
	return lastErr
}
