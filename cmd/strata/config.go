package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the strata configuration file
// (~/.config/strata/config.yaml). Numeric fields are pointers so "not set"
// can be told apart from zero values.
type Config struct {
	// Cache geometry
	Pages       *int64 `yaml:"pages"`
	PageSize    *int64 `yaml:"page_size"`
	MaxSeqs     *int64 `yaml:"max_seqs"`
	PagesPerSeq *int64 `yaml:"pages_per_seq"`

	// Model geometry
	Heads   *int64   `yaml:"heads"`
	KVHeads *int64   `yaml:"kv_heads"`
	HeadDim *int64   `yaml:"head_dim"`
	SoftCap *float64 `yaml:"soft_cap"`
	Vocab   *int64   `yaml:"vocab"`
	Seed    *int64   `yaml:"seed"`

	// Backend
	Backend    string `yaml:"backend"`
	LockMemory *bool  `yaml:"lock_memory"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// applyEngineConfig applies config file defaults to the engine flag
// variables when the corresponding CLI flag was not explicitly set.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.Pages != nil && !c.IsSet("pages") {
		numPages = *cfg.Pages
	}
	if cfg.PageSize != nil && !c.IsSet("page-size") {
		pageSize = *cfg.PageSize
	}
	if cfg.MaxSeqs != nil && !c.IsSet("max-seqs") {
		maxSeqs = *cfg.MaxSeqs
	}
	if cfg.PagesPerSeq != nil && !c.IsSet("pages-per-seq") {
		pagesPerSeq = *cfg.PagesPerSeq
	}
	if cfg.Heads != nil && !c.IsSet("heads") {
		numHeads = *cfg.Heads
	}
	if cfg.KVHeads != nil && !c.IsSet("kv-heads") {
		kvHeads = *cfg.KVHeads
	}
	if cfg.HeadDim != nil && !c.IsSet("head-dim") {
		headDim = *cfg.HeadDim
	}
	if cfg.SoftCap != nil && !c.IsSet("soft-cap") {
		softCap = *cfg.SoftCap
	}
	if cfg.Vocab != nil && !c.IsSet("vocab") {
		vocab = *cfg.Vocab
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.LockMemory != nil && !c.IsSet("lock-memory") {
		lockMemory = *cfg.LockMemory
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
	applyEngineConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
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
