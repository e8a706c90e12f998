package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
auth:
  secret: s3cret
database:
  url: postgres://localhost/parley
  driver: bun
loader:
  wait: 5ms
broker:
  kind: postgres
  max_payload: 4KB
live:
  origin_ttl: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("got addr %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Database.Driver != DriverBun {
		t.Fatalf("got driver %q, want bun", cfg.Database.Driver)
	}
	if cfg.Loader.Wait.Duration() != 5*time.Millisecond {
		t.Fatalf("got wait %v, want 5ms", cfg.Loader.Wait.Duration())
	}
	if cfg.Broker.MaxPayload.Int() != 4000 {
		t.Fatalf("got max payload %d, want 4000", cfg.Broker.MaxPayload.Int())
	}
	if cfg.Live.OriginTTL.Duration() != 30*time.Second {
		t.Fatalf("got origin ttl %v, want 30s", cfg.Live.OriginTTL.Duration())
	}
	if cfg.Loader.MaxBatch != 500 || cfg.Live.BufferSize != 64 {
		t.Fatalf("got max batch %d buffer %d, want defaults", cfg.Loader.MaxBatch, cfg.Live.BufferSize)
	}
	if cfg.Auth.CookieName != "parley_session" {
		t.Fatalf("got cookie %q, want parley_session", cfg.Auth.CookieName)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "auth:\n  secret: file\nbroker:\n  kind: memory\n")
	t.Setenv("PARLEY_AUTH_SECRET", "env")
	t.Setenv("PARLEY_LOADER_WAIT", "10ms")
	t.Setenv("PARLEY_BROKER", "kafka")
	t.Setenv("PARLEY_KAFKA_SEEDS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "env" {
		t.Fatalf("got secret %q, want env", cfg.Auth.Secret)
	}
	if cfg.Loader.Wait.Duration() != 10*time.Millisecond {
		t.Fatalf("got wait %v, want 10ms", cfg.Loader.Wait.Duration())
	}
	if len(cfg.Broker.KafkaSeeds) != 2 || cfg.Broker.KafkaSeeds[1] != "k2:9092" {
		t.Fatalf("got seeds %v", cfg.Broker.KafkaSeeds)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{"missing secret", "broker:\n  kind: memory\n", nil, "auth.secret"},
		{"unknown field", "auth:\n  secret: x\n  secrets: y\n", nil, "secrets"},
		{"bad driver", "auth:\n  secret: x\nbroker:\n  kind: memory\ndatabase:\n  driver: sqlite\n", nil, "database.driver"},
		{"postgres broker without url", "auth:\n  secret: x\n", nil, "database.url"},
		{"rabbitmq without url", "auth:\n  secret: x\nbroker:\n  kind: rabbitmq\n", nil, "rabbitmq_url"},
		{"bad duration", "auth:\n  secret: x\nloader:\n  wait: soon\n", nil, "invalid duration"},
		{"bad env int", "auth:\n  secret: x\nbroker:\n  kind: memory\n", map[string]string{"PARLEY_LIVE_BUFFER": "lots"}, "PARLEY_LIVE_BUFFER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("PARLEY_AUTH_SECRET", "x")
	t.Setenv("PARLEY_BROKER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("got addr %q, want :8080", cfg.Server.Addr)
	}
}

func TestLoadOver_BaseIsOverridden(t *testing.T) {
	base := Config{
		Auth:   AuthConfig{Secret: "dev"},
		Broker: BrokerConfig{Kind: BrokerMemory},
	}
	path := writeFile(t, "auth:\n  secret: file\n")

	cfg, err := LoadOver(base, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "file" || cfg.Broker.Kind != BrokerMemory {
		t.Fatalf("got secret %q broker %q, want file/memory", cfg.Auth.Secret, cfg.Broker.Kind)
	}
}
