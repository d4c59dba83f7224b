package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/maintenance.yml"
	DefaultTasksPath  = "config/tasks.yml"
)

type Config struct {
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Mongo       MongoConfig       `yaml:"mongo"`
	Databases   map[string]string `yaml:"databases"`
	Dedupe      DedupeConfig      `yaml:"dedupe"`
	Export      ExportConfig      `yaml:"export"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type MaintenanceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MongoConfig struct {
	URI              string        `yaml:"uri"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Auth             bool          `yaml:"auth"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	AuthDB           string        `yaml:"auth_db"`
	AppName          string        `yaml:"app_name"`
	TLS              TLSConfig     `yaml:"tls"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	CAFile   string `yaml:"ca_file"`
}

type DedupeConfig struct {
	DeleteChunkSize  int     `yaml:"delete_chunk_size"`
	DeletesPerSecond float64 `yaml:"deletes_per_second"`
}

type ExportConfig struct {
	Directory   string `yaml:"directory"`
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`
	SortField   string `yaml:"sort_field"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Pushgateway string           `yaml:"pushgateway"`
	Job         string           `yaml:"job"`
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// ConnectionURI builds the MongoDB connection string. An explicit uri wins;
// otherwise host, port and the optional credentials are assembled.
func (m MongoConfig) ConnectionURI() string {
	if m.URI != "" {
		return m.URI
	}
	host := m.Host
	if host == "" {
		host = "localhost"
	}
	port := m.Port
	if port == 0 {
		port = 27017
	}
	if !m.Auth {
		return fmt.Sprintf("mongodb://%s:%d/", host, port)
	}
	authDB := m.AuthDB
	if authDB == "" {
		authDB = "admin"
	}
	u := url.URL{
		Scheme: "mongodb",
		User:   url.UserPassword(m.Username, m.Password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + authDB,
	}
	return u.String()
}

// Database resolves a namespace alias such as "exchange" to the configured
// database name. Unknown aliases are used verbatim.
func (c *Config) Database(alias string) string {
	if name, ok := c.Databases[alias]; ok && name != "" {
		return name
	}
	return alias
}

func defaultConfig() Config {
	return Config{
		Maintenance: MaintenanceConfig{Name: "cryptomaint"},
		Mongo: MongoConfig{
			ConnectTimeout: 10 * time.Second,
			AppName:        "cryptomaint",
		},
		Databases: map[string]string{
			"exchange": "exchange",
			"trade":    "trade",
			"api":      "api",
			"analysis": "analysis",
		},
		Dedupe: DedupeConfig{
			DeleteChunkSize: 10000,
		},
		Export: ExportConfig{
			Directory:   "data",
			Format:      "csv",
			Compression: "snappy",
			SortField:   "timestamp",
		},
		Metrics: MetricsConfig{
			Job: "cryptomaint",
			CloudWatch: CloudWatchConfig{
				Namespace: "CryptoMaint",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{
		environmentProduction: "config/maintenance.production.yml",
		environmentStaging:    "config/maintenance.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		config.Mongo.URI = strings.TrimSpace(v)
	}
	if v := os.Getenv("MONGO_USERNAME"); v != "" {
		config.Mongo.Username = strings.TrimSpace(v)
	}
	if v := os.Getenv("MONGO_PASSWORD"); v != "" {
		config.Mongo.Password = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Maintenance.Name == "" {
		return fmt.Errorf("maintenance.name is required")
	}

	if cfg.Mongo.URI != "" && !strings.HasPrefix(cfg.Mongo.URI, "mongodb://") && !strings.HasPrefix(cfg.Mongo.URI, "mongodb+srv://") {
		return fmt.Errorf("mongo.uri must start with mongodb:// or mongodb+srv://")
	}
	if cfg.Mongo.Port < 0 || cfg.Mongo.Port > 65535 {
		return fmt.Errorf("mongo.port %d is out of range", cfg.Mongo.Port)
	}
	if cfg.Mongo.URI == "" && cfg.Mongo.Auth && (cfg.Mongo.Username == "" || cfg.Mongo.Password == "") {
		return fmt.Errorf("mongo.username and mongo.password are required when mongo.auth is enabled")
	}
	if cfg.Mongo.TLS.Enabled && cfg.Mongo.TLS.CAFile == "" {
		return fmt.Errorf("mongo.tls.ca_file is required when TLS is enabled")
	}
	if cfg.Mongo.ConnectTimeout <= 0 {
		return fmt.Errorf("mongo.connect_timeout must be greater than 0")
	}
	if cfg.Mongo.OperationTimeout < 0 {
		return fmt.Errorf("mongo.operation_timeout must not be negative")
	}

	if cfg.Dedupe.DeleteChunkSize <= 0 {
		return fmt.Errorf("dedupe.delete_chunk_size must be greater than 0")
	}
	if cfg.Dedupe.DeletesPerSecond < 0 {
		return fmt.Errorf("dedupe.deletes_per_second must not be negative")
	}

	switch cfg.Export.Format {
	case "csv", "parquet":
	default:
		return fmt.Errorf("export.format '%s' is invalid, must be csv or parquet", cfg.Export.Format)
	}
	switch cfg.Export.Compression {
	case "snappy", "gzip", "none", "":
	default:
		return fmt.Errorf("export.compression '%s' is invalid", cfg.Export.Compression)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
