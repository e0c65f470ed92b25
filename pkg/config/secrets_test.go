package config

import (
	"strings"
	"testing"
)

func TestLoadWithSecrets_DiscoversSiblingFile(t *testing.T) {
	unsetEnv(t, "DOCQ_SECRETS_FILE")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
store:
  type: mongodb
  database: music
`)
	writeFile(t, dir, "secrets.yaml", `
store:
  url: mongodb://admin:hunter2@db:27017
`)

	cfg, secrets, err := NewViperLoader(path, "DOCQ").LoadWithSecrets()
	if err != nil {
		t.Fatalf("LoadWithSecrets() error = %v", err)
	}
	if cfg.Store.URL != "mongodb://admin:hunter2@db:27017" {
		t.Fatalf("secret url not merged, got %q", cfg.Store.URL)
	}
	if secrets == nil || secrets.Store.URL == "" {
		t.Fatal("expected secrets config to carry the url")
	}

	out := cfg.Redacted(secrets)
	if strings.Contains(out, "hunter2") || strings.Contains(out, "admin") {
		t.Fatalf("redacted output leaks the secret:\n%s", out)
	}
	if !strings.Contains(out, "url: ***") {
		t.Fatalf("expected masked url, got:\n%s", out)
	}
	if !strings.Contains(out, "database: music") {
		t.Fatalf("non-secret values must stay visible:\n%s", out)
	}
}

func TestLoadWithSecrets_EnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	secretsPath := writeFile(t, dir, "creds.yaml", `
store:
  access_key_id: AKIA
  secret_access_key: from-file
`)
	t.Setenv("DOCQ_SECRETS_FILE", secretsPath)
	t.Setenv("DOCQ_STORE_SECRET_ACCESS_KEY", "from-env")

	cfg, _, err := NewViperLoader("", "DOCQ").LoadWithSecrets()
	if err != nil {
		t.Fatalf("LoadWithSecrets() error = %v", err)
	}
	if cfg.Store.SecretAccessKey != "from-env" {
		t.Fatalf("env should override secrets file, got %q", cfg.Store.SecretAccessKey)
	}
	if cfg.Store.AccessKeyID != "AKIA" {
		t.Fatalf("expected access key from secrets file, got %q", cfg.Store.AccessKeyID)
	}
}

func TestLoadWithSecrets_InvalidExplicitFile(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "empty", value: " "},
		{name: "missing", value: "/does/not/exist.yaml"},
		{name: "directory", value: t.TempDir()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DOCQ_SECRETS_FILE", tt.value)
			if _, _, err := NewViperLoader("", "DOCQ").LoadWithSecrets(); err == nil || !strings.Contains(err.Error(), "DOCQ_SECRETS_FILE") {
				t.Fatalf("expected DOCQ_SECRETS_FILE error, got %v", err)
			}
		})
	}
}

func TestConfig_StringMasksSecretFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.SecretAccessKey = "s3cr3t"
	cfg.Store.URL = "mongodb://user:pw@localhost:27017/db"

	out := cfg.String()
	if strings.Contains(out, "s3cr3t") {
		t.Fatalf("secret field leaked:\n%s", out)
	}
	if strings.Contains(out, ":pw@") {
		t.Fatalf("url password leaked:\n%s", out)
	}
	if !strings.Contains(out, "store:\n  type: memory") {
		t.Fatalf("unexpected layout:\n%s", out)
	}
	if !strings.Contains(out, "access_key_id: \n") {
		t.Fatalf("empty secret fields should print empty:\n%s", out)
	}
}
