package archive

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/citypulse/trafficflow/internal/cloudwriter"
	"github.com/citypulse/trafficflow/internal/models"
)

func localArchive(t *testing.T) (*ParquetArchive, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := New(models.ArchiveConfig{
		Enabled:      true,
		Destination:  "local",
		OutputFolder: dir,
	}, slog.Default())
	require.NoError(t, err)
	return p, dir
}

func readRows(t *testing.T, filePath string) []aggregateRow {
	t.Helper()
	fr, err := local.NewLocalFileReader(filePath)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(aggregateRow), 4)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]aggregateRow, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	return rows
}

func sampleAggregate(region string, window time.Time) *models.RegionalAggregate {
	return &models.RegionalAggregate{
		RegionID:               region,
		WindowStart:            window,
		AverageCongestionScore: 61.5,
		SensorCount:            4,
		MessageCount:           17,
	}
}

func TestArchiveWritesReadableParquet(t *testing.T) {
	p, dir := localArchive(t)

	window := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, p.Archive(ctx, sampleAggregate("core-ne", window)))
	require.NoError(t, p.Archive(ctx, sampleAggregate("suburban-sw", window)))
	require.NoError(t, p.Archive(ctx, sampleAggregate("core-ne", window.Add(time.Minute))))
	require.NoError(t, p.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "year=2025", "month=06", "day=02", "hour=08", "*.parquet"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	rows := readRows(t, matches[0])
	require.Len(t, rows, 3)
	require.Equal(t, "core-ne", rows[0].RegionID)
	require.Equal(t, window.UnixMilli(), rows[0].WindowStart)
	require.Equal(t, 61.5, rows[0].AverageCongestionScore)
	require.Equal(t, int64(4), rows[0].SensorCount)
	require.Equal(t, int64(17), rows[0].MessageCount)
	require.Equal(t, "suburban-sw", rows[1].RegionID)
	require.Equal(t, window.Add(time.Minute).UnixMilli(), rows[2].WindowStart)
}

func TestArchivePartitionsByWindowHour(t *testing.T) {
	p, dir := localArchive(t)

	ctx := context.Background()
	require.NoError(t, p.Archive(ctx, sampleAggregate("core-ne", time.Date(2025, 6, 2, 8, 59, 0, 0, time.UTC))))
	require.NoError(t, p.Archive(ctx, sampleAggregate("core-ne", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))))
	require.NoError(t, p.Close())

	for _, partition := range []string{"hour=08", "hour=09"} {
		matches, err := filepath.Glob(filepath.Join(dir, "year=2025", "month=06", "day=02", partition, "*.parquet"))
		require.NoError(t, err)
		require.Len(t, matches, 1, "expected one file under %s", partition)
	}
}

func TestRestartedArchiveKeepsEarlierFiles(t *testing.T) {
	dir := t.TempDir()
	window := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		p, err := New(models.ArchiveConfig{Destination: "local", OutputFolder: dir}, slog.Default())
		require.NoError(t, err)
		require.NoError(t, p.Archive(context.Background(), sampleAggregate("core-ne", window)))
		require.NoError(t, p.Close())
	}

	matches, err := filepath.Glob(filepath.Join(dir, "year=2025", "month=06", "day=02", "hour=08", "*.parquet"))
	require.NoError(t, err)
	require.Len(t, matches, 2, "each run should produce its own file")
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(models.ArchiveConfig{
		Destination:  "cloud",
		CloudStorage: models.CloudStorageConfig{Provider: "azure"},
	}, slog.Default())
	require.ErrorContains(t, err, "unsupported cloud storage provider")
}

type memoryCloudWriter struct {
	buf    bytes.Buffer
	closed bool
}

func (m *memoryCloudWriter) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memoryCloudWriter) Close() error                { m.closed = true; return nil }

type memoryCloudFactory struct {
	writers map[string]*memoryCloudWriter
}

func (f *memoryCloudFactory) NewWriter(bucket, objectPath string) (cloudwriter.CloudWriter, error) {
	w := &memoryCloudWriter{}
	f.writers[path.Join(bucket, objectPath)] = w
	return w, nil
}

func TestCloudDestinationUploadsValidParquet(t *testing.T) {
	factory := &memoryCloudFactory{writers: make(map[string]*memoryCloudWriter)}
	p := &ParquetArchive{
		root:         "aggregates",
		runID:        "test",
		log:          slog.Default(),
		cloudFactory: factory,
		bucket:       "traffic-archive",
		writers:      make(map[string]*writer.ParquetWriter),
		files:        make(map[string]source.ParquetFile),
	}

	window := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, p.Archive(context.Background(), sampleAggregate("core-ne", window)))
	require.NoError(t, p.Close())

	key := "traffic-archive/aggregates/year=2025/month=06/day=02/hour=08/aggregates-test.parquet"
	w, ok := factory.writers[key]
	require.True(t, ok, "unexpected object keys: %v", factory.writers)
	require.True(t, w.closed, "upload should happen on close")

	pr, err := reader.NewParquetReader(buffer.NewBufferFileFromBytes(w.buf.Bytes()), new(aggregateRow), 4)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]aggregateRow, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, "core-ne", rows[0].RegionID)
}
