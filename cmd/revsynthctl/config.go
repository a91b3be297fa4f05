package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// searchConfig is everything a search invocation needs. Values come from
// the optional config file first; flags and positional arguments override
// them.
type searchConfig struct {
	MaxDepth     int    `yaml:"max_depth" json:"max_depth"`
	Threads      int    `yaml:"threads" json:"threads"`
	SBox         []int  `yaml:"sbox" json:"sbox"`
	Store        string `yaml:"store" json:"store"`
	DBPath       string `yaml:"db_path" json:"db_path"`
	LogFile      string `yaml:"log_file" json:"log_file"`
	LogLevel     string `yaml:"log_level" json:"log_level"`
	BatchSize    int    `yaml:"batch_size" json:"batch_size"`
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	RunID        string `yaml:"run_id" json:"run_id"`
	Fresh        bool   `yaml:"fresh" json:"fresh"`
}

func loadSearchConfig(path string) (searchConfig, error) {
	var cfg searchConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return cfg, fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return cfg, nil
}

// applyFlags copies every flag the user set explicitly over cfg.
func applyFlags(cmd *cobra.Command, cfg *searchConfig, flags searchConfig) {
	set := cmd.Flags().Changed
	if set("store") {
		cfg.Store = flags.Store
	}
	if set("db-path") {
		cfg.DBPath = flags.DBPath
	}
	if set("log-file") {
		cfg.LogFile = flags.LogFile
	}
	if set("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if set("batch-size") {
		cfg.BatchSize = flags.BatchSize
	}
	if set("artifacts-dir") {
		cfg.ArtifactsDir = flags.ArtifactsDir
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if set("run-id") {
		cfg.RunID = flags.RunID
	}
	if set("fresh") {
		cfg.Fresh = flags.Fresh
	}
}

func (c searchConfig) validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max depth must be non-negative, got %d", c.MaxDepth)
	}
	if c.Threads <= 0 {
		return fmt.Errorf("max threads must be positive, got %d", c.Threads)
	}
	if len(c.SBox) == 0 {
		return fmt.Errorf("s-box is required")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be non-negative, got %d", c.BatchSize)
	}
	return nil
}
