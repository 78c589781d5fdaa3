// Package cloudwriter uploads finished archive objects to cloud object
// storage. Writers buffer the whole object in memory and upload it on Close,
// which suits parquet output: the file is only valid once its footer has
// been written.
package cloudwriter

// CloudWriter accumulates one object and uploads it when closed.
type CloudWriter interface {
	Write(data []byte) (int, error)
	Close() error
}

// CloudWriterFactory opens writers against a configured storage backend.
type CloudWriterFactory interface {
	NewWriter(bucket, objectPath string) (CloudWriter, error)
}
