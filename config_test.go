package kdbpush

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Store.Host != "localhost" {
		t.Errorf("Expected store host to be 'localhost', got %s", config.Store.Host)
	}
	if config.Store.Port != 5000 {
		t.Errorf("Expected store port to be 5000, got %d", config.Store.Port)
	}
	if config.Session.PageSize != 50000 {
		t.Errorf("Expected page size to be 50000, got %d", config.Session.PageSize)
	}
	if !config.Session.PushDownAggregation || !config.Session.PushDownLike {
		t.Errorf("Expected aggregation and like pushdown enabled by default")
	}
	if config.Session.VirtualTables {
		t.Errorf("Expected virtual tables disabled by default")
	}
	if config.Session.InsertFunction != "insert" {
		t.Errorf("Expected insert function 'insert', got %s", config.Session.InsertFunction)
	}
	if config.Logging.SlowQueryThreshold != time.Second {
		t.Errorf("Expected slow query threshold 1s, got %v", config.Logging.SlowQueryThreshold)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got error: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"page size", func(c *Config) { c.Session.PageSize = 0 }, "session.pageSize"},
		{"insert function", func(c *Config) { c.Session.InsertFunction = " " }, "session.insertFunction"},
		{"port", func(c *Config) { c.Store.Port = 0 }, "store.port"},
		{"postgres dsn", func(c *Config) { c.Statistics.Source = StatisticsFromPostgres }, "statistics.postgresDSN"},
		{"stats source", func(c *Config) { c.Statistics.Source = "redis" }, "statistics.source"},
		{"fs root", func(c *Config) { c.Partitions.Discovery = DiscoverFromFilesystem }, "partitions.root"},
		{"s3 bucket", func(c *Config) { c.Partitions.Discovery = DiscoverFromS3 }, "partitions.s3.bucket"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "expected ConfigError, got %v", err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestParseSessionConfig(t *testing.T) {
	got, err := ParseSessionConfig(DefaultSessionConfig(), map[string]string{
		"page_size":             "100000",
		"push_down_aggregation": "false",
		"push_down_like":        "false",
		"virtual_tables":        "true",
		"insert_function":       ".u.upd",
		"use_stats":             "false",
		"live_column_stats":     "false",
	})
	require.NoError(t, err)
	assert.Equal(t, SessionConfig{
		PageSize:            100000,
		PushDownAggregation: false,
		PushDownLike:        false,
		VirtualTables:       true,
		InsertFunction:      ".u.upd",
		UseStats:            false,
		LiveColumnStats:     false,
	}, got)
}

func TestParseSessionConfig_Errors(t *testing.T) {
	base := DefaultSessionConfig()

	_, err := ParseSessionConfig(base, map[string]string{"page_size": "-1"})
	assert.True(t, IsValidationError(err))

	_, err = ParseSessionConfig(base, map[string]string{"push_down_like": "maybe"})
	assert.True(t, IsValidationError(err))

	_, err = ParseSessionConfig(base, map[string]string{"fetch_size": "10"})
	var ke *KdbError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, "fetch_size", ke.Field)
}
