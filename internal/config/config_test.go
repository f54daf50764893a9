package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ripperr "github.com/ripple-frame/ripple/internal/errors"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := New()
	if c.Server.Address != ":8080" {
		t.Errorf("Address = %q, want :8080", c.Server.Address)
	}
	if c.Store.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", c.Store.Backend)
	}
	if c.ResumeWindow() != 5*time.Minute {
		t.Errorf("ResumeWindow() = %v, want 5m", c.ResumeWindow())
	}
	if !c.Metrics.Enabled || c.Metrics.Path != "/metrics" {
		t.Errorf("metrics defaults = %+v", c.Metrics)
	}
}

func TestLoadSparseFileFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"name":"demo","server":{"address":":9000"}}`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Name != "demo" || c.Server.Address != ":9000" {
		t.Errorf("loaded = %+v", c)
	}
	if c.Session.MaxEventQueue != 256 {
		t.Errorf("MaxEventQueue = %d, want default 256", c.Session.MaxEventQueue)
	}
	if c.Log.Level != "info" {
		t.Errorf("Level = %q, want info", c.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	var re *ripperr.RippleError
	if !errors.As(err, &re) || re.Code != "E100" {
		t.Errorf("err = %v, want E100", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"name":`)

	_, err := Load(dir)
	var re *ripperr.RippleError
	if !errors.As(err, &re) || re.Code != "E101" {
		t.Errorf("err = %v, want E101", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "E120"},
		{"sql without dsn", func(c *Config) { c.Store.Backend = "sql" }, "E102"},
		{"s3 without bucket", func(c *Config) { c.Store.Backend = "s3" }, "E102"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "E102"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "E102"},
		{"bad duration", func(c *Config) { c.Session.ResumeWindow = "soon" }, "E102"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			tt.mutate(c)
			err := c.Validate()
			var re *ripperr.RippleError
			if !errors.As(err, &re) || re.Code != tt.code {
				t.Errorf("Validate() = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestValidateAcceptsConfiguredBackends(t *testing.T) {
	c := New()
	c.Store.Backend = "sql"
	c.Store.SQL.Driver = "pgx"
	c.Store.SQL.DSN = "postgres://localhost/app"
	if err := c.Validate(); err != nil {
		t.Errorf("sql config rejected: %v", err)
	}

	c = New()
	c.Store.Backend = "s3"
	c.Store.S3.Bucket = "app-sessions"
	if err := c.Validate(); err != nil {
		t.Errorf("s3 config rejected: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := New()
	c.Name = "saved"
	path := filepath.Join(dir, ConfigFileName)
	if err := c.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Name != "saved" {
		t.Errorf("Name = %q, want saved", loaded.Name)
	}
	if loaded.Path() != path {
		t.Errorf("Path() = %q, want %q", loaded.Path(), path)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{}`)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(nested)
	if err != nil {
		t.Fatalf("FindProjectRoot: %v", err)
	}
	// Resolve symlinks so the comparison survives tmpdir aliasing.
	wantResolved, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != wantResolved {
		t.Errorf("root = %q, want %q", got, root)
	}
}

func TestFindProjectRootMissing(t *testing.T) {
	_, err := FindProjectRoot(t.TempDir())
	var re *ripperr.RippleError
	if !errors.As(err, &re) || re.Code != "E100" {
		t.Errorf("err = %v, want E100", err)
	}
}

func TestDurationGetters(t *testing.T) {
	c := New()
	c.Session.HeartbeatInterval = "15s"
	c.Server.ShutdownTimeout = "1m"
	if c.HeartbeatInterval() != 15*time.Second {
		t.Errorf("HeartbeatInterval() = %v", c.HeartbeatInterval())
	}
	if c.ShutdownTimeout() != time.Minute {
		t.Errorf("ShutdownTimeout() = %v", c.ShutdownTimeout())
	}
	if c.IdleTimeout() != 5*time.Minute {
		t.Errorf("IdleTimeout() = %v", c.IdleTimeout())
	}
}
