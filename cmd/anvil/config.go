package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/anvil/pkg/kernel"
)

// Config represents the anvil configuration file (~/.config/anvil/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	Target       string `yaml:"target"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Tuning
	DisableTuning *bool `yaml:"disable_tuning"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "anvil", "config.yaml")
}

// applyCommonConfig applies config file defaults to the shared cache flags
// when the corresponding CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.DatabasePath != "" && !c.IsSet("db") && !c.IsSet("database") {
		dbPath = cfg.DatabasePath
	}
	if cfg.Target != "" && !c.IsSet("target") {
		target = cfg.Target
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyCommonConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// manifestConfig is the YAML spelling of one operator signature. Field names
// match the JSON signature form used in the operator database.
type manifestConfig struct {
	OptM         []int  `yaml:"opt_m"`
	N            int    `yaml:"n"`
	K            int    `yaml:"k"`
	ADType       string `yaml:"a_dtype"`
	WDType       string `yaml:"w_dtype"`
	AccumDType   string `yaml:"accum_dtype"`
	OutDType     string `yaml:"out_dtype"`
	StorageDType string `yaml:"storage_dtype"`
	GroupSize    int    `yaml:"group_size"`
	WithScaling  bool   `yaml:"with_scaling"`
	WithZeros    bool   `yaml:"with_zeros"`
	WithBias     bool   `yaml:"with_bias"`
	FastDecoding bool   `yaml:"fast_decoding"`
	ZerosMode    string `yaml:"zeros_mode"`
	Strategy     string `yaml:"strategy"`
}

func (m manifestConfig) kernelConfig() (kernel.Config, error) {
	strategy, err := parseStrategy(m.Strategy)
	if err != nil {
		return kernel.Config{}, err
	}
	cfg := kernel.Config{
		OptM:         m.OptM,
		N:            m.N,
		K:            m.K,
		ADType:       kernel.DType(m.ADType),
		WDType:       kernel.DType(m.WDType),
		AccumDType:   kernel.DType(m.AccumDType),
		OutDType:     kernel.DType(m.OutDType),
		StorageDType: kernel.DType(m.StorageDType),
		GroupSize:    m.GroupSize,
		WithScaling:  m.WithScaling,
		WithZeros:    m.WithZeros,
		WithBias:     m.WithBias,
		FastDecoding: m.FastDecoding,
		ZerosMode:    kernel.ZerosMode(m.ZerosMode),
		Strategy:     strategy,
	}.Normalized()
	return cfg, cfg.Validate()
}

func parseStrategy(s string) (kernel.Strategy, error) {
	switch s {
	case "", "single_batch_decode_only":
		return kernel.SingleBatchDecodeOnly, nil
	case "contiguous_batching":
		return kernel.ContiguousBatching, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}
