package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":8000"
origin: https://drive.example.com
service_account: sa.json
source_root: src
destination_root: dst
store:
  backend: bolt
  path: cache.bolt
expiration_buffer: 30m
sweep_interval: 1h
`)

	t.Setenv("DRIVECACHE_LISTEN_ADDR", ":9000")
	t.Setenv("DRIVECACHE_CONCURRENCY", "4")
	t.Setenv("DRIVECACHE_QUEUE_BUDGET", "not a duration")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	expected := defaultConfig()
	expected.ListenAddr = ":9000"
	expected.Origin = "https://drive.example.com"
	expected.ServiceAccount = "sa.json"
	expected.SourceRoot = "src"
	expected.DestinationRoot = "dst"
	expected.Store.Backend = "bolt"
	expected.Store.Path = "cache.bolt"
	expected.ExpirationBuffer = 30 * time.Minute
	expected.SweepInterval = time.Hour
	expected.Concurrency = 4

	if !reflect.DeepEqual(*cfg, expected) {
		t.Log(*cfg)
		t.Log(expected)
		t.Errorf("config does not match")
	}
}

func TestLoadConfigEnvOnly(t *testing.T) {
	t.Setenv("DRIVECACHE_SERVICE_ACCOUNT", "sa.json")
	t.Setenv("DRIVECACHE_STORE_BACKEND", "memory")
	t.Setenv("DRIVECACHE_RATE_LIMIT", "2.5")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Store.Backend != "memory" || cfg.RateLimit != 2.5 {
		t.Errorf("environment was not applied: %+v", cfg)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	type test struct {
		name   string
		config string
	}

	var testCases = []test{
		{name: "service account", config: `store: {backend: memory}`},
		{name: "backend", config: "service_account: sa.json\nstore: {backend: redis}"},
		{name: "path", config: "service_account: sa.json\nstore: {backend: sqlite, path: \"\"}"},
		{name: "roots", config: "service_account: sa.json\nsource_root: src"},
		{name: "rate limit", config: "service_account: sa.json\nrate_limit: 0"},
		{name: "channel ttl", config: "service_account: sa.json\nchannel_ttl: 1h\nexpiration_buffer: 1h"},
		{name: "yaml", config: "service_account: [sa.json"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.config)); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Errorf("expected an error")
	}
}
