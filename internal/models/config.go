package models

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type GeneratorConfig struct {
	SensorCount  int           `mapstructure:"sensor_count"`
	Interval     time.Duration `mapstructure:"interval"`
	Count        int           `mapstructure:"count"`
	Continuous   bool          `mapstructure:"continuous"`
	InvalidRate  float64       `mapstructure:"invalid_rate"`
	Seed         int64         `mapstructure:"seed"`
	CityLat      float64       `mapstructure:"city_latitude"`
	CityLon      float64       `mapstructure:"city_longitude"`
	UrbanRadius  float64       `mapstructure:"urban_radius"`
	KafkaEnabled bool          `mapstructure:"kafka_enabled"`
	OutputPath   string        `mapstructure:"output_path"`
}

type CloudStorageConfig struct {
	Provider   string `mapstructure:"provider"`
	BucketName string `mapstructure:"bucket_name"`
	Region     string `mapstructure:"region"`
}

type ArchiveConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	Destination  string             `mapstructure:"destination"` // "local" or "s3"
	OutputFolder string             `mapstructure:"output_folder"`
	CloudStorage CloudStorageConfig `mapstructure:"cloud_storage"`
}

type Config struct {
	KafkaBrokerList  string        `mapstructure:"kafka_broker_list"`
	KafkaTopic       string        `mapstructure:"kafka_topic"`
	ConsumerGroup    string        `mapstructure:"consumer_group"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	SessionTimeoutMs int           `mapstructure:"session_timeout_ms"`

	DatabaseURL         string        `mapstructure:"database_url"`
	StoreMaxAttempts    int           `mapstructure:"store_max_attempts"`
	StoreRetryBaseDelay time.Duration `mapstructure:"store_retry_base_delay"`
	StoreRetryMaxDelay  time.Duration `mapstructure:"store_retry_max_delay"`

	WindowSize    time.Duration `mapstructure:"window_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// SensorRegions maps sensor IDs to region IDs. The canonical source is
	// the CSV file named by SensorRegionFile; entries given inline in the
	// config are kept but viper lowercases their keys, so file wins.
	SensorRegions    map[string]string `mapstructure:"sensor_region_map"`
	SensorRegionFile string            `mapstructure:"sensor_region_file"`

	APIPort int `mapstructure:"api_port"`

	Generator GeneratorConfig `mapstructure:"generator"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// Brokers splits the comma separated broker list.
func (cfg *Config) Brokers() []string {
	return strings.Split(cfg.KafkaBrokerList, ",")
}

// LoadConfig initializes and reads the configuration using Viper
func LoadConfig(cfgFile string) (*Config, error) {
	// Missing .env is fine, values may come from the real environment.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Default config location
		viper.AddConfigPath(".")
		viper.AddConfigPath("examples")
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // Read in environment variables that match

	viper.SetDefault("kafka_broker_list", "localhost:9092")
	viper.SetDefault("kafka_topic", "traffic_readings")
	viper.SetDefault("consumer_group", "trafficflow-pipeline")
	viper.SetDefault("poll_timeout", "500ms")
	viper.SetDefault("store_max_attempts", 5)
	viper.SetDefault("store_retry_base_delay", "100ms")
	viper.SetDefault("store_retry_max_delay", "5s")
	viper.SetDefault("window_size", "60s")
	viper.SetDefault("sweep_interval", "10s")
	viper.SetDefault("api_port", 8080)
	viper.SetDefault("generator.sensor_count", 50)
	viper.SetDefault("generator.interval", "1s")
	viper.SetDefault("generator.kafka_enabled", true)
	viper.SetDefault("generator.city_latitude", 51.5072)
	viper.SetDefault("generator.city_longitude", -0.1276)
	viper.SetDefault("generator.urban_radius", 12.0)

	if err := viper.ReadInConfig(); err != nil {
		// Running on flags, env and defaults alone is supported; only an
		// explicitly named file is required to exist.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	decoderConfigOption := viper.DecoderConfigOption(func(config *mapstructure.DecoderConfig) {
		config.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			config.DecodeHook,
			mapstructure.StringToTimeDurationHookFunc(),
		)
	})
	if err := viper.Unmarshal(&config, decoderConfigOption); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}

	if config.SensorRegionFile != "" {
		if err := config.LoadSensorRegions(config.SensorRegionFile); err != nil {
			// the generator creates this file on its first run
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "sensor region file %s not found, starting without a mapping\n",
					config.SensorRegionFile)
			} else {
				return nil, fmt.Errorf("failed to load sensor region map: %w", err)
			}
		}
	}

	return &config, nil
}

// LoadSensorRegions reads a sensor_id,region_id CSV file into SensorRegions.
// File entries override inline config entries for the same sensor.
func (cfg *Config) LoadSensorRegions(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if cfg.SensorRegions == nil {
		cfg.SensorRegions = make(map[string]string)
	}

	reader := csv.NewReader(file)
	reader.Read() // header

	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return fmt.Errorf("malformed sensor region row: %v", fields)
		}
		cfg.SensorRegions[fields[0]] = fields[1]
	}

	return nil
}

// SaveSensorRegions writes the mapping back out in the format LoadSensorRegions
// reads. The generator uses this to publish the fleet it fabricated.
func SaveSensorRegions(filePath string, regions map[string]string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"sensor_id", "region_id"}); err != nil {
		return err
	}
	sensors := make([]string, 0, len(regions))
	for id := range regions {
		sensors = append(sensors, id)
	}
	sort.Strings(sensors)
	for _, id := range sensors {
		if err := writer.Write([]string{id, regions[id]}); err != nil {
			return err
		}
	}
	return nil
}
