package kdbpush

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config consolidates connector settings
type Config struct {
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Statistics StatisticsConfig `json:"statistics" mapstructure:"statistics"`
	Partitions PartitionConfig  `json:"partitions" mapstructure:"partitions"`
	Local      LocalConfig      `json:"local" mapstructure:"local"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
}

// StoreConfig contains store connection settings
type StoreConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	User         string        `json:"user" mapstructure:"user"`
	Password     string        `json:"password" mapstructure:"password"`
	DialTimeout  time.Duration `json:"dialTimeout" mapstructure:"dialTimeout"`
	QueryTimeout time.Duration `json:"queryTimeout" mapstructure:"queryTimeout"`
	Breaker      BreakerConfig `json:"breaker" mapstructure:"breaker"`
}

// BreakerConfig tunes the store circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold" mapstructure:"failureThreshold"`
	Window           time.Duration `json:"window" mapstructure:"window"`
	OpenDuration     time.Duration `json:"openDuration" mapstructure:"openDuration"`
}

// SessionConfig holds the per-session pushdown options.
type SessionConfig struct {
	PageSize            int    `json:"pageSize" mapstructure:"pageSize"`
	PushDownAggregation bool   `json:"pushDownAggregation" mapstructure:"pushDownAggregation"`
	PushDownLike        bool   `json:"pushDownLike" mapstructure:"pushDownLike"`
	VirtualTables       bool   `json:"virtualTables" mapstructure:"virtualTables"`
	InsertFunction      string `json:"insertFunction" mapstructure:"insertFunction"`
	UseStats            bool   `json:"useStats" mapstructure:"useStats"`
	LiveColumnStats     bool   `json:"liveColumnStats" mapstructure:"liveColumnStats"`
}

// Session option names accepted by ParseSessionConfig.
const (
	OptionPageSize            = "page_size"
	OptionPushDownAggregation = "push_down_aggregation"
	OptionPushDownLike        = "push_down_like"
	OptionVirtualTables       = "virtual_tables"
	OptionInsertFunction      = "insert_function"
	OptionUseStats            = "use_stats"
	OptionLiveColumnStats     = "live_column_stats"
)

// StatisticsSource selects where precomputed statistics live.
type StatisticsSource string

const (
	StatisticsFromStore    StatisticsSource = "store"
	StatisticsFromPostgres StatisticsSource = "postgres"
)

// StatisticsConfig contains precomputed statistics settings
type StatisticsConfig struct {
	Source           StatisticsSource `json:"source" mapstructure:"source"`
	Namespace        string           `json:"namespace" mapstructure:"namespace"`
	PostgresDSN      string           `json:"postgresDSN" mapstructure:"postgresDSN"`
	TableStatsTable  string           `json:"tableStatsTable" mapstructure:"tableStatsTable"`
	ColumnStatsTable string           `json:"columnStatsTable" mapstructure:"columnStatsTable"`

	// PostgresIAM replaces the DSN password with an IAM auth token minted
	// for every new connection. Region defaults to the AWS environment.
	PostgresIAM bool   `json:"postgresIAM" mapstructure:"postgresIAM"`
	Region      string `json:"region" mapstructure:"region"`
}

// PartitionDiscovery selects how partition values are enumerated.
type PartitionDiscovery string

const (
	DiscoverFromStore      PartitionDiscovery = "store"
	DiscoverFromFilesystem PartitionDiscovery = "filesystem"
	DiscoverFromS3         PartitionDiscovery = "s3"
)

// PartitionConfig contains partition discovery settings
type PartitionConfig struct {
	Discovery PartitionDiscovery `json:"discovery" mapstructure:"discovery"`
	Root      string             `json:"root" mapstructure:"root"`
	S3        S3Config           `json:"s3" mapstructure:"s3"`
}

// S3Config locates a partitioned database image in object storage
type S3Config struct {
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	Region          string `json:"region" mapstructure:"region"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"accessKeyId" mapstructure:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey" mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle" mapstructure:"usePathStyle"`
}

// LocalConfig contains settings for the in-process DuckDB evaluator
type LocalConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	DuckDBPath  string `json:"duckdbPath" mapstructure:"duckdbPath"`
	Threads     int    `json:"threads" mapstructure:"threads"`
	MemoryLimit string `json:"memoryLimit" mapstructure:"memoryLimit"`

	// SplitWorkers bounds how many splits are read at once.
	SplitWorkers int `json:"splitWorkers" mapstructure:"splitWorkers"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level              string        `json:"level" mapstructure:"level"`
	Format             string        `json:"format" mapstructure:"format"`
	LogQueries         bool          `json:"logQueries" mapstructure:"logQueries"`
	SlowQueryThreshold time.Duration `json:"slowQueryThreshold" mapstructure:"slowQueryThreshold"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
	Listen    string `json:"listen" mapstructure:"listen"`
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PageSize:            50000,
		PushDownAggregation: true,
		PushDownLike:        true,
		VirtualTables:       false,
		InsertFunction:      "insert",
		UseStats:            true,
		LiveColumnStats:     true,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Host:         "localhost",
			Port:         5000,
			DialTimeout:  5 * time.Second,
			QueryTimeout: 60 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Window:           30 * time.Second,
				OpenDuration:     10 * time.Second,
			},
		},
		Session: DefaultSessionConfig(),
		Statistics: StatisticsConfig{
			Source:           StatisticsFromStore,
			Namespace:        "kdbpush",
			TableStatsTable:  "kdbpush_table_stats",
			ColumnStatsTable: "kdbpush_column_stats",
		},
		Partitions: PartitionConfig{
			Discovery: DiscoverFromStore,
		},
		Local: LocalConfig{
			Enabled:      true,
			Threads:      2,
			MemoryLimit:  "1GB",
			SplitWorkers: 4,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "json",
			LogQueries:         true,
			SlowQueryThreshold: 1 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "kdbpush",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Host == "" {
		return &ConfigError{Field: "store.host", Message: "must not be empty"}
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		return &ConfigError{Field: "store.port", Message: "must be between 1 and 65535"}
	}
	if c.Store.Breaker.FailureThreshold <= 0 {
		return &ConfigError{Field: "store.breaker.failureThreshold", Message: "must be greater than 0"}
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}

	switch c.Statistics.Source {
	case StatisticsFromStore:
		if c.Statistics.Namespace == "" {
			return &ConfigError{Field: "statistics.namespace", Message: "must not be empty"}
		}
	case StatisticsFromPostgres:
		if c.Statistics.PostgresDSN == "" {
			return &ConfigError{Field: "statistics.postgresDSN", Message: "required when source is postgres"}
		}
	default:
		return &ConfigError{Field: "statistics.source", Message: fmt.Sprintf("unknown source %q", c.Statistics.Source)}
	}

	switch c.Partitions.Discovery {
	case DiscoverFromStore:
	case DiscoverFromFilesystem:
		if c.Partitions.Root == "" {
			return &ConfigError{Field: "partitions.root", Message: "required for filesystem discovery"}
		}
	case DiscoverFromS3:
		if c.Partitions.S3.Bucket == "" {
			return &ConfigError{Field: "partitions.s3.bucket", Message: "required for s3 discovery"}
		}
	default:
		return &ConfigError{Field: "partitions.discovery", Message: fmt.Sprintf("unknown discovery mode %q", c.Partitions.Discovery)}
	}

	if c.Local.Threads < 0 {
		return &ConfigError{Field: "local.threads", Message: "must not be negative"}
	}
	if c.Local.SplitWorkers < 0 {
		return &ConfigError{Field: "local.splitWorkers", Message: "must not be negative"}
	}
	return nil
}

// Validate checks session option ranges.
func (s SessionConfig) Validate() error {
	if s.PageSize <= 0 {
		return &ConfigError{Field: "session.pageSize", Message: "must be greater than 0"}
	}
	if strings.TrimSpace(s.InsertFunction) == "" {
		return &ConfigError{Field: "session.insertFunction", Message: "must not be empty"}
	}
	return nil
}

// ParseSessionConfig applies named session options on top of base.
func ParseSessionConfig(base SessionConfig, options map[string]string) (SessionConfig, error) {
	out := base
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := strings.TrimSpace(options[name])
		var err error
		switch strings.ToLower(name) {
		case OptionPageSize:
			var n int
			n, err = strconv.Atoi(raw)
			if err == nil && n <= 0 {
				err = fmt.Errorf("must be a positive integer")
			}
			out.PageSize = n
		case OptionPushDownAggregation:
			out.PushDownAggregation, err = strconv.ParseBool(raw)
		case OptionPushDownLike:
			out.PushDownLike, err = strconv.ParseBool(raw)
		case OptionVirtualTables:
			out.VirtualTables, err = strconv.ParseBool(raw)
		case OptionInsertFunction:
			if raw == "" {
				err = fmt.Errorf("must not be empty")
			}
			out.InsertFunction = raw
		case OptionUseStats:
			out.UseStats, err = strconv.ParseBool(raw)
		case OptionLiveColumnStats:
			out.LiveColumnStats, err = strconv.ParseBool(raw)
		default:
			return base, NewValidationError(name, "unknown session option")
		}
		if err != nil {
			return base, NewValidationError(name, fmt.Sprintf("invalid value %q", raw)).WithCause(err)
		}
	}
	return out, nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
