package archive

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go/source"

	"github.com/citypulse/trafficflow/internal/cloudwriter"
)

// cloudParquetFile adapts a CloudWriter to the write side of
// source.ParquetFile. The parquet writer only appends and closes, so reads
// and end-relative seeks are unsupported.
type cloudParquetFile struct {
	cloudWriter cloudwriter.CloudWriter
	offset      int64
}

func newCloudParquetFile(cw cloudwriter.CloudWriter) *cloudParquetFile {
	return &cloudParquetFile{cloudWriter: cw}
}

// Open and Create return the receiver: the object is created implicitly by
// writing to it.
func (c *cloudParquetFile) Open(string) (source.ParquetFile, error)   { return c, nil }
func (c *cloudParquetFile) Create(string) (source.ParquetFile, error) { return c, nil }

func (c *cloudParquetFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		c.offset = offset
	case io.SeekCurrent:
		c.offset += offset
	case io.SeekEnd:
		return 0, fmt.Errorf("seek from end not supported for cloud storage")
	}
	return c.offset, nil
}

func (c *cloudParquetFile) Read([]byte) (int, error) {
	return 0, fmt.Errorf("read not supported for cloud storage")
}

func (c *cloudParquetFile) Write(p []byte) (int, error) {
	return c.cloudWriter.Write(p)
}

func (c *cloudParquetFile) Close() error {
	return c.cloudWriter.Close()
}
