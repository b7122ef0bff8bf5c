package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leadflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.HTTP.Addr != ":8080" {
		t.Errorf("defaults: %+v %+v", cfg.Database, cfg.HTTP)
	}
	if cfg.Processor.StaleTimeout != 20*time.Minute {
		t.Errorf("stale timeout should default to 2x item timeout, got %s", cfg.Processor.StaleTimeout)
	}
	if cfg.Scheduler.CheckInterval != 30*time.Second || cfg.Processor.PollInterval != 2*time.Second {
		t.Errorf("intervals: %+v %+v", cfg.Scheduler, cfg.Processor)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://leadflow@localhost/leadflow
processor:
  item_timeout: 90s
  max_retry_attempts: 2
aggregator:
  provider_cap: 40
providers:
  - name: primary
    url: http://places.internal/search
    headers:
      Authorization: Bearer abc
    rate_every: 200ms
  - name: fallback
    url: http://osm.internal/search
    cap: 15
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Processor.MaxRetryAttempts != 2 {
		t.Errorf("parsed: %+v %+v", cfg.Database, cfg.Processor)
	}
	if cfg.Processor.ItemTimeout != 90*time.Second || cfg.Processor.StaleTimeout != 3*time.Minute {
		t.Errorf("timeouts: item=%s stale=%s", cfg.Processor.ItemTimeout, cfg.Processor.StaleTimeout)
	}
	if cfg.Dispatch.Attempts != 3 {
		t.Errorf("unset sections keep defaults, attempts=%d", cfg.Dispatch.Attempts)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers: %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Cap != 40 || p.RateEvery != 200*time.Millisecond || p.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("primary: %+v", p)
	}
	if cfg.Providers[1].Cap != 15 {
		t.Errorf("fallback cap: %d", cfg.Providers[1].Cap)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"driver":       "database:\n  driver: mysql\n",
		"stale":        "processor:\n  item_timeout: 10m\n  stale_timeout: 1m\n",
		"provider":     "providers:\n  - name: a\n",
		"duplicate":    "providers:\n  - {name: a, url: http://a}\n  - {name: a, url: http://b}\n",
		"log format":   "logging:\n  format: xml\n",
		"bad duration": "scheduler:\n  check_interval: often\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Errorf("got %v", err)
	}
}
