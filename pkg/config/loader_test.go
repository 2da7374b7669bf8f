package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewViperLoader("", "ODM").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def, ok := cfg.Connections[DefaultAlias]
	if !ok {
		t.Fatal("expected default alias")
	}
	if def.Host != "localhost" || def.Port != DefaultPort || def.Database != "test" {
		t.Fatalf("unexpected default settings: %+v", def)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odm.yaml")
	content := []byte(`
connections:
  default:
    host: db1.internal
    port: 27018
    db: app
  reporting:
    host: db2.internal
    db: reports
    replica_set: rs0
    read_preference: secondaryPreferred
logging:
  level: debug
  format: text
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewViperLoader(path, "ODM").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connections["default"].Host != "db1.internal" || cfg.Connections["default"].Port != 27018 {
		t.Fatalf("default alias not loaded: %+v", cfg.Connections["default"])
	}
	rep := cfg.Connections["reporting"]
	if rep.ReplicaSet != "rs0" || rep.ReadPreference != "secondaryPreferred" {
		t.Fatalf("reporting alias not loaded: %+v", rep)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging not loaded: %+v", cfg.Logging)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := NewViperLoader("/nonexistent/odm.yaml", "ODM").Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	l := NewViperLoader("", "ODM")

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"no connections", Config{}, true},
		{"missing host", Config{Connections: map[string]ConnectionSettings{"a": {Database: "d"}}}, true},
		{"missing db", Config{Connections: map[string]ConnectionSettings{"a": {Host: "h"}}}, true},
		{"bad port", Config{Connections: map[string]ConnectionSettings{"a": {Host: "h", Database: "d", Port: 99999}}}, true},
		{"undeclared slave", Config{Connections: map[string]ConnectionSettings{
			"a": {Host: "h", Database: "d", Slaves: []string{"ghost"}},
		}}, true},
		{"ok with slave", Config{Connections: map[string]ConnectionSettings{
			"a": {Host: "h", Database: "d", Slaves: []string{"b"}},
			"b": {Host: "h2", Database: "d2"},
		}}, false},
	}
	for _, c := range cases {
		err := l.Validate(&c.cfg)
		if c.wantErr && err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
		if !c.wantErr && err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
	}
}
