package serverconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvecd.yaml")
	body := `
events:
  ctx_buffer_size: 64
  dedup_window_sec: 0
similarity:
  default_top_k: 5
  max_top_k: 50
api:
  tcp:
    bind: 0.0.0.0
    port: 4321
network:
  allow_cidrs: ["10.0.0.0/8", "127.0.0.0/8"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Events.CtxBufferSize != 64 {
		t.Errorf("ctx_buffer_size = %d, want 64", cfg.Events.CtxBufferSize)
	}
	if cfg.Events.DedupWindowSec != 0 {
		t.Errorf("dedup_window_sec = %d, want 0", cfg.Events.DedupWindowSec)
	}
	if cfg.API.TCP.Port != 4321 {
		t.Errorf("port = %d, want 4321", cfg.API.TCP.Port)
	}
	if diff := cmp.Diff([]string{"10.0.0.0/8", "127.0.0.0/8"}, cfg.Network.AllowCIDRs); diff != "" {
		t.Errorf("allow_cidrs mismatch (-want +got):\n%s", diff)
	}
	// untouched keys keep their defaults
	if cfg.Cache.MaxMemoryBytes != Default().Cache.MaxMemoryBytes {
		t.Errorf("cache.max_memory_bytes changed unexpectedly")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero decay alpha", func(c *Config) { c.Events.DecayAlpha = 0 }},
		{"alpha above one", func(c *Config) { c.Events.DecayAlpha = 1.5 }},
		{"bad metric", func(c *Config) { c.Vectors.DistanceMetric = "hamming" }},
		{"max_top_k below default", func(c *Config) { c.Similarity.MaxTopK = 1; c.Similarity.DefaultTopK = 10 }},
		{"fusion alpha out of range", func(c *Config) { c.Similarity.FusionAlpha = 1.2 }},
		{"port too large", func(c *Config) { c.API.TCP.Port = 70000 }},
		{"cidr without mask", func(c *Config) { c.Network.AllowCIDRs = []string{"127.0.0.1"} }},
		{"zero cache memory", func(c *Config) { c.Cache.MaxMemoryBytes = 0 }},
		{"negative retain", func(c *Config) { c.Snapshot.Retain = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
