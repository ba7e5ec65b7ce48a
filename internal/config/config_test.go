package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"MAX_CONCURRENT_JOBS", "FARGATE_CAPACITY", "POLLING_INTERVAL_MS",
		"S3_KEY_PREFIX", "MAX_VIDEO_HEIGHT", "METRICS_NAMESPACE",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	if cfg.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d", cfg.MaxConcurrentJobs)
	}
	if cfg.Capacity != CapacityUnknown {
		t.Errorf("Capacity = %q", cfg.Capacity)
	}
	if cfg.PollingInterval != 5*time.Second {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
	if cfg.MaxVideoHeight != 1080 {
		t.Errorf("MaxVideoHeight = %d", cfg.MaxVideoHeight)
	}
	if !cfg.GreedyPerJob {
		t.Error("GreedyPerJob should default on")
	}
	if cfg.MetricsNamespace != "VodcastWorker" {
		t.Errorf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("FARGATE_CAPACITY", "SPOT")
	t.Setenv("POLLING_INTERVAL_MS", "250")
	t.Setenv("VISIBILITY_EXTEND_DELTA_S", "600")
	t.Setenv("S3_KEY_PREFIX", "/staging/")
	t.Setenv("GREEDY_PER_JOB", "false")

	cfg := FromEnv()
	if cfg.MaxConcurrentJobs != 4 {
		t.Errorf("MaxConcurrentJobs = %d", cfg.MaxConcurrentJobs)
	}
	if cfg.Capacity != CapacityPreemptible {
		t.Errorf("Capacity = %q", cfg.Capacity)
	}
	if cfg.PollingInterval != 250*time.Millisecond {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
	if cfg.VisibilityExtendDelta != 600*time.Second {
		t.Errorf("VisibilityExtendDelta = %v", cfg.VisibilityExtendDelta)
	}
	if cfg.KeyPrefix != "staging" {
		t.Errorf("KeyPrefix = %q", cfg.KeyPrefix)
	}
	if cfg.GreedyPerJob {
		t.Error("GreedyPerJob should be off")
	}
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "lots")
	t.Setenv("POLLING_INTERVAL_MS", "-5")
	cfg := FromEnv()
	if cfg.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d", cfg.MaxConcurrentJobs)
	}
	if cfg.PollingInterval != 5*time.Second {
		t.Errorf("PollingInterval = %v", cfg.PollingInterval)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		ArtifactBucket:    "artifacts",
		DatabaseDSN:       "postgres://localhost/catalog",
		MaxConcurrentJobs: 2,
		MaxVideoHeight:    1080,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing bucket", func(c *Config) { c.ArtifactBucket = "" }},
		{"missing dsn", func(c *Config) { c.DatabaseDSN = "" }},
		{"zero jobs", func(c *Config) { c.MaxConcurrentJobs = 0 }},
		{"odd height", func(c *Config) { c.MaxVideoHeight = 480 }},
	}
	for _, tc := range cases {
		cfg := valid
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestParseCapacity(t *testing.T) {
	cases := map[string]CapacityMode{
		"on_demand":   CapacityOnDemand,
		"ON-DEMAND":   CapacityOnDemand,
		"spot":        CapacityPreemptible,
		"preemptible": CapacityPreemptible,
		"":            CapacityUnknown,
		"mystery":     CapacityUnknown,
	}
	for raw, want := range cases {
		if got := parseCapacity(raw); got != want {
			t.Errorf("parseCapacity(%q) = %q, want %q", raw, got, want)
		}
	}
}
