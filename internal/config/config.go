// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Kusto      KustoConfig      `yaml:"kusto" mapstructure:"kusto"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Sample     SampleConfig     `yaml:"sample" mapstructure:"sample"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// KustoConfig configures the analytical query backend.
type KustoConfig struct {
	ClusterURL        string `yaml:"cluster_url" mapstructure:"cluster_url"`
	Database          string `yaml:"database" mapstructure:"database"`
	ServerTimeoutSecs int    `yaml:"server_timeout_secs" mapstructure:"server_timeout_secs"`
	ClientTimeoutSecs int    `yaml:"client_timeout_secs" mapstructure:"client_timeout_secs"`
}

// ServerTimeout returns the server-side query budget as a duration.
func (c KustoConfig) ServerTimeout() time.Duration {
	return time.Duration(c.ServerTimeoutSecs) * time.Second
}

// ClientTimeout returns the client-side abandon deadline as a duration.
func (c KustoConfig) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutSecs) * time.Second
}

// BlobConfig configures the durable object store destination.
type BlobConfig struct {
	// Driver selects the store implementation: "azure" or "local".
	Driver     string `yaml:"driver" mapstructure:"driver"`
	AccountURL string `yaml:"account_url" mapstructure:"account_url"`
	Container  string `yaml:"container" mapstructure:"container"`
	BasePath   string `yaml:"base_path" mapstructure:"base_path"`
	// LocalDir is the root directory for the local driver.
	LocalDir string `yaml:"local_dir" mapstructure:"local_dir"`
}

// ExportConfig configures extraction behavior.
type ExportConfig struct {
	QueryDir         string  `yaml:"query_dir" mapstructure:"query_dir"`
	ProdQueryFile    string  `yaml:"prod_query_file" mapstructure:"prod_query_file"`
	TestQueryFile    string  `yaml:"test_query_file" mapstructure:"test_query_file"`
	ChunkedQueryFile string  `yaml:"chunked_query_file" mapstructure:"chunked_query_file"`
	NumChunks        int     `yaml:"num_chunks" mapstructure:"num_chunks"`
	ChunkDelaySecs   float64 `yaml:"chunk_delay_secs" mapstructure:"chunk_delay_secs"`
	TimeWindowDays   int     `yaml:"time_window_days" mapstructure:"time_window_days"`
	CheckpointPath   string  `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	DatasetLabel     string  `yaml:"dataset_label" mapstructure:"dataset_label"`
	DataSource       string  `yaml:"data_source" mapstructure:"data_source"`
	ProgressAddr     string  `yaml:"progress_addr" mapstructure:"progress_addr"`
}

// ChunkDelay returns the inter-chunk pacing delay as a duration.
func (c ExportConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelaySecs * float64(time.Second))
}

// RetryConfig configures the backend retry policy.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MinWaitSecs    int     `yaml:"min_wait_secs" mapstructure:"min_wait_secs"`
	MaxWaitSecs    int     `yaml:"max_wait_secs" mapstructure:"max_wait_secs"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ValidationConfig configures the two-tier validator.
type ValidationConfig struct {
	// ChunkWarnThreshold is the invalid fraction above which a per-chunk
	// token screen logs a critical warning. 100% invalid always aborts
	// regardless of this value.
	ChunkWarnThreshold float64 `yaml:"chunk_warn_threshold" mapstructure:"chunk_warn_threshold"`
	// PassThreshold is the whole-dataset valid fraction below which the
	// run is flagged (but not aborted).
	PassThreshold float64 `yaml:"pass_threshold" mapstructure:"pass_threshold"`
}

// SampleConfig optionally overrides the built-in stratified sampling
// targets. Keys are split then normalized stratum (short/medium/long).
type SampleConfig struct {
	Production map[string]map[string]int `yaml:"production" mapstructure:"production"`
	Test       map[string]map[string]int `yaml:"test" mapstructure:"test"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SFTEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a meaningful default still get an empty one so
	// environment overrides reach Unmarshal.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("kusto.cluster_url", "")
	v.SetDefault("kusto.database", "")
	v.SetDefault("kusto.server_timeout_secs", 900)
	v.SetDefault("kusto.client_timeout_secs", 900)
	v.SetDefault("blob.driver", "azure")
	v.SetDefault("blob.account_url", "")
	v.SetDefault("blob.container", "")
	v.SetDefault("blob.base_path", "experiments/testvscode_test/v4")
	v.SetDefault("blob.local_dir", "")
	v.SetDefault("export.query_dir", "queries")
	v.SetDefault("export.prod_query_file", "sft_100k_production_with_splits.kql")
	v.SetDefault("export.test_query_file", "sft_test_100_with_trajectory.kql")
	v.SetDefault("export.chunked_query_file", "sft_candidates_hash_chunked.kql")
	v.SetDefault("export.num_chunks", 60)
	v.SetDefault("export.chunk_delay_secs", 3)
	v.SetDefault("export.time_window_days", 60)
	v.SetDefault("export.checkpoint_path", "checkpoint.json")
	v.SetDefault("export.dataset_label", "vscodedata")
	v.SetDefault("export.data_source", "vscode_1p_agent_mode")
	v.SetDefault("export.progress_addr", "")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.min_wait_secs", 30)
	v.SetDefault("retry.max_wait_secs", 300)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.3)
	v.SetDefault("validation.chunk_warn_threshold", 0.10)
	v.SetDefault("validation.pass_threshold", 0.95)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
