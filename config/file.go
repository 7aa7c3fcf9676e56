package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// obvsync.toml key mapping to Config settings. Absent keys keep their defaults.
type fileConfig struct {
	Debug             *bool   `toml:"debug"`
	RootDir           *string `toml:"root_dir"`
	LoggingPrefix     *string `toml:"logging_prefix"`
	BackgroundWorkers *int    `toml:"background_workers"`
	DialogMaxAgeMs    *int64  `toml:"dialog_max_age_ms"`
	QueueBatchSize    *int    `toml:"queue_batch_size"`
}

// LoadFile reads a TOML config file and returns the options it sets.
func LoadFile(path string) ([]Option, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("config: load failed (%s): %w", path, err)
	}
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return nil, fmt.Errorf("config: parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	var opts []Option
	if fc.Debug != nil {
		opts = append(opts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		opts = append(opts, WithRootDir(*fc.RootDir))
	}
	if fc.LoggingPrefix != nil {
		opts = append(opts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	if fc.BackgroundWorkers != nil {
		if *fc.BackgroundWorkers < 1 {
			return nil, fmt.Errorf("config: background_workers must be positive, got %d", *fc.BackgroundWorkers)
		}
		opts = append(opts, WithBackgroundWorkers(*fc.BackgroundWorkers))
	}
	if fc.DialogMaxAgeMs != nil {
		opts = append(opts, WithDialogMaxAgeMs(*fc.DialogMaxAgeMs))
	}
	if fc.QueueBatchSize != nil {
		opts = append(opts, WithQueueBatchSize(*fc.QueueBatchSize))
	}
	return opts, nil
}
