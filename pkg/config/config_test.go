package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  address: 127.0.0.1
  port: 9090
  read_timeout: 5s
storage:
  db_path: /var/lib/patchcast/journal
delivery:
  queue_capacity: 512
  subscriber_buffer: 128
  max_pooled_buffer: 256KB
  containers: [chat, feed]
  prepend_containers: [feed]
  modified_marker: "(edited %s)"
security:
  api_keys:
    backend: [bk-1, bk-2]
  rate_limit:
    rps: 10
    burst: 20
retention:
  enabled: true
  cron: "0 3 * * *"
  keep: 1000
validation:
  max_content_bytes: 64KB
  max_author_len: 80
`

func writeConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadParsesTypedValues(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
	if cfg.Server.ReadTimeout.Duration() != 5*time.Second {
		t.Fatalf("read_timeout = %v", cfg.Server.ReadTimeout.Duration())
	}
	if cfg.Delivery.MaxPooledBuffer.Int64() != 256*1000 {
		t.Fatalf("max_pooled_buffer = %d", cfg.Delivery.MaxPooledBuffer.Int64())
	}
	if len(cfg.Delivery.Containers) != 2 || cfg.Delivery.Containers[0] != "chat" {
		t.Fatalf("containers = %v", cfg.Delivery.Containers)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Keep != 1000 {
		t.Fatalf("retention = %+v", cfg.Retention)
	}
	if cfg.Validation.MaxAuthorLen != 80 {
		t.Fatalf("validation = %+v", cfg.Validation)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file did not error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PATCHCAST_ADDR", "0.0.0.0:7070")
	t.Setenv("PATCHCAST_DB_PATH", "/tmp/j")
	t.Setenv("PATCHCAST_API_BACKEND_KEYS", "k1, k2")
	t.Setenv("PATCHCAST_CONTAINERS", "chat")
	t.Setenv("PATCHCAST_API_ALLOW_UNAUTH", "true")

	envCfg, res := ParseConfigEnvs()
	if !res.EnvUsed {
		t.Fatal("env not detected")
	}
	if envCfg.Addr() != "0.0.0.0:7070" {
		t.Fatalf("addr = %s", envCfg.Addr())
	}
	if envCfg.Storage.DBPath != "/tmp/j" {
		t.Fatalf("db path = %s", envCfg.Storage.DBPath)
	}
	if len(res.BackendKeys) != 2 {
		t.Fatalf("backend keys = %v", res.BackendKeys)
	}
	if _, ok := res.SigningKeys["k1"]; !ok {
		t.Fatal("signing keys not derived from backend keys")
	}
	if !envCfg.Security.APIKeys.AllowUnauth {
		t.Fatal("allow_unauth not applied")
	}
}

func TestEffectiveConfigPrefersExplicitConfigFlag(t *testing.T) {
	fileCfg := &Config{}
	fileCfg.Server.Port = 9001
	fileCfg.Storage.DBPath = "/from/file"

	flags := Flags{Config: "x.yaml", Set: map[string]bool{"config": true}}
	res, err := LoadEffectiveConfig(flags, fileCfg, true, &Config{}, EnvResult{})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if res.Source != "config" || res.DBPath != "/from/file" {
		t.Fatalf("result = %+v", res)
	}

	flags.Set = map[string]bool{"config": true}
	if _, err := LoadEffectiveConfig(flags, &Config{}, false, &Config{}, EnvResult{}); err == nil {
		t.Fatal("missing explicit config file accepted")
	}
}

func TestEffectiveConfigFlagsWin(t *testing.T) {
	flags := Flags{Addr: ":7000", DB: "/flag/db", Set: map[string]bool{"addr": true, "db": true}}
	res, err := LoadEffectiveConfig(flags, &Config{}, false, &Config{}, EnvResult{})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if res.Source != "flags" || res.Addr != ":7000" || res.DBPath != "/flag/db" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRuntimeKeys(t *testing.T) {
	SetRuntime(&RuntimeConfig{
		BackendKeys: map[string]struct{}{"a": {}},
		SigningKeys: map[string]struct{}{"a": {}, "b": {}},
	})
	t.Cleanup(func() { SetRuntime(nil) })
	if _, ok := GetBackendKeys()["a"]; !ok {
		t.Fatal("backend key lost")
	}
	if len(GetSigningKeys()) != 2 {
		t.Fatal("signing keys lost")
	}
}
