package generator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/citypulse/trafficflow/internal/models"
)

// OutputDestination is where generated payloads go. The key is the emitting
// sensor's ID; the Kafka destination uses it to pin each sensor to one
// partition so readings stay ordered per sensor.
type OutputDestination interface {
	WriteMessage(topic string, key, msg []byte) error
	Close() error
}

// NewOutput picks the destination from config: the Kafka producer when
// enabled, a local JSONL file tree when an output path is set, stdout
// otherwise.
func NewOutput(cfg *models.Config, logger *slog.Logger) (OutputDestination, error) {
	if cfg.Generator.KafkaEnabled {
		return NewSaramaProducer(cfg, logger)
	}
	if cfg.Generator.OutputPath != "" {
		return NewFileOutput(cfg.Generator.OutputPath), nil
	}
	return &ConsoleOutput{}, nil
}

type ConsoleOutput struct{}

func (c *ConsoleOutput) WriteMessage(topic string, _, msg []byte) error {
	output := fmt.Sprintf("[%s] %s\n", topic, string(msg))

	_, err := os.Stdout.Write([]byte(output))
	if err != nil {
		return fmt.Errorf("failed to write to stdout: %w", err)
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// FileOutput appends one JSON line per message to <basePath>/<topic>.jsonl.
type FileOutput struct {
	basePath string
	files    map[string]*os.File
}

func NewFileOutput(basePath string) *FileOutput {
	return &FileOutput{
		basePath: basePath,
		files:    make(map[string]*os.File),
	}
}

func (f *FileOutput) WriteMessage(topic string, _, msg []byte) error {
	file, ok := f.files[topic]
	if !ok {
		if err := os.MkdirAll(f.basePath, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		var err error
		file, err = os.Create(filepath.Join(f.basePath, topic+".jsonl"))
		if err != nil {
			return fmt.Errorf("failed to create file for topic %s: %w", topic, err)
		}
		f.files[topic] = file
	}

	if _, err := file.Write(msg); err != nil {
		return fmt.Errorf("failed to write message to topic %s: %w", topic, err)
	}
	_, err := file.WriteString("\n")
	return err
}

func (f *FileOutput) Close() error {
	for _, file := range f.files {
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}
