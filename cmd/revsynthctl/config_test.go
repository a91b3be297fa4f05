package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/cobra"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSearchConfigYAML(t *testing.T) {
	path := writeConfig(t, "search.yaml", `
max_depth: 6
threads: 4
sbox: [12, 5, 6, 11, 9, 0, 10, 13, 3, 14, 15, 8, 4, 7, 1, 2]
store: badger
db_path: /tmp/nodes
batch_size: 1000
metrics_addr: ":9090"
fresh: true
`)

	cfg, err := loadSearchConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxDepth != 6 || cfg.Threads != 4 || len(cfg.SBox) != 16 || cfg.SBox[0] != 12 {
		t.Fatalf("unexpected search fields: %+v", cfg)
	}
	if cfg.Store != "badger" || cfg.DBPath != "/tmp/nodes" || cfg.BatchSize != 1000 || cfg.MetricsAddr != ":9090" || !cfg.Fresh {
		t.Fatalf("unexpected runtime fields: %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadSearchConfigJSON(t *testing.T) {
	path := writeConfig(t, "search.json", `{"max_depth": 3, "threads": 2, "sbox": [0, 1, 2, 3], "store": "memory"}`)

	cfg, err := loadSearchConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxDepth != 3 || cfg.Threads != 2 || !slices.Equal(cfg.SBox, []int{0, 1, 2, 3}) || cfg.Store != "memory" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadSearchConfigErrors(t *testing.T) {
	if _, err := loadSearchConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := writeConfig(t, "broken.yaml", "max_depth: [\n")
	if _, err := loadSearchConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyFlagsOverridesOnlyChangedFlags(t *testing.T) {
	var flags searchConfig
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&flags.Store, "store", "sqlite", "")
	cmd.Flags().StringVar(&flags.DBPath, "db-path", "", "")
	cmd.Flags().IntVar(&flags.BatchSize, "batch-size", 5000, "")
	cmd.Flags().BoolVar(&flags.Fresh, "fresh", false, "")
	if err := cmd.Flags().Parse([]string{"--batch-size", "10"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg := searchConfig{Store: "badger", DBPath: "nodes", BatchSize: 99, Fresh: true}
	applyFlags(cmd, &cfg, flags)

	if cfg.BatchSize != 10 {
		t.Fatalf("changed flag should override: %d", cfg.BatchSize)
	}
	if cfg.Store != "badger" || cfg.DBPath != "nodes" || !cfg.Fresh {
		t.Fatalf("unchanged flags should keep file values: %+v", cfg)
	}
}

func TestApplyPositional(t *testing.T) {
	cfg := searchConfig{MaxDepth: 1, Threads: 1}
	if err := applyPositional(&cfg, []string{"5", "3", "0x1", "0"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.MaxDepth != 5 || cfg.Threads != 3 || !slices.Equal(cfg.SBox, []int{1, 0}) {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	untouched := searchConfig{MaxDepth: 7}
	if err := applyPositional(&untouched, nil); err != nil || untouched.MaxDepth != 7 {
		t.Fatalf("empty args should leave config alone: %+v %v", untouched, err)
	}
	if err := applyPositional(&cfg, []string{"1"}); err == nil {
		t.Fatal("expected error for too few arguments")
	}
}

func TestSearchConfigValidate(t *testing.T) {
	base := searchConfig{MaxDepth: 2, Threads: 1, SBox: []int{0, 1}}
	if err := base.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]func(*searchConfig){
		"negative depth": func(c *searchConfig) { c.MaxDepth = -1 },
		"no threads":     func(c *searchConfig) { c.Threads = 0 },
		"no sbox":        func(c *searchConfig) { c.SBox = nil },
		"negative batch": func(c *searchConfig) { c.BatchSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
