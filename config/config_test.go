package config

import (
	"testing"
	"time"
)

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "fabula", Password: "secret", DBName: "fabula"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	want := "postgres://fabula:secret@db:5432/fabula?sslmode=disable"
	if dsn != want {
		t.Fatalf("dsn = %q, want %q", dsn, want)
	}

	p.URL = "postgres://other"
	if dsn, _ = p.DSN(); dsn != "postgres://other" {
		t.Fatalf("url should win over fields, got %q", dsn)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Fatalf("empty postgres config accepted")
	}
}

func TestEmbeddingNormalize(t *testing.T) {
	e := EmbeddingConfig{}.Normalize()
	if e.Provider != "openai" || e.Model != "text-embedding-3-small" {
		t.Fatalf("defaults not applied: %+v", e)
	}
	if e.Dimensions != 1536 || e.BatchSize != 32 || e.Timeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", e)
	}

	custom := EmbeddingConfig{Dimensions: 768, BatchSize: 8}.Normalize()
	if custom.Dimensions != 768 || custom.BatchSize != 8 {
		t.Fatalf("explicit values overridden: %+v", custom)
	}
}

func TestRetrievalNormalize(t *testing.T) {
	r := RetrievalConfig{}.Normalize()
	if r.RecencyWindow != 3 || r.SemanticTopK != 10 || r.CharacterTopK != 8 || r.PlotPointTopK != 5 {
		t.Fatalf("defaults not applied: %+v", r)
	}
	if r.StrategyTimeout != 5*time.Second || r.ReembedSchedule == "" {
		t.Fatalf("defaults not applied: %+v", r)
	}
}

func TestRedisValidate(t *testing.T) {
	if err := (RedisConfig{Host: "localhost", Port: "6379"}).Validate(); err != nil {
		t.Fatalf("valid redis config rejected: %v", err)
	}
	if err := (RedisConfig{Port: "6379"}).Validate(); err == nil {
		t.Fatalf("missing host accepted")
	}
	if got := (RedisConfig{Host: "r", Port: "6379"}).Addr(); got != "r:6379" {
		t.Fatalf("addr = %q", got)
	}
}

func TestTelemetryValidate(t *testing.T) {
	if err := (TelemetryConfig{Enabled: true}).Validate(); err == nil {
		t.Fatalf("enabled telemetry without port accepted")
	}
	if err := (TelemetryConfig{Enabled: true, MetricsPort: 9090}).Validate(); err != nil {
		t.Fatalf("valid telemetry rejected: %v", err)
	}
}
