package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lychee-technology/kdbpush"
	"github.com/spf13/viper"
)

const envPrefix = "KDBPUSH_"

// loadConfig layers an optional config file and KDBPUSH_* variables over the
// defaults. KDBPUSH_STORE_HOST sets store.host, KDBPUSH_SESSION_PAGESIZE sets
// session.pageSize.
func loadConfig(path string) (*kdbpush.Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		prop := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, envPrefix), "_", "."))
		v.Set(strings.TrimPrefix(prop, "."), value)
	}

	cfg := kdbpush.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
