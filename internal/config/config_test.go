package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func validConfig() Config {
	c := Defaults()
	c.Source = "/mnt/share"
	c.Destination = "/mnt/nas"
	return c
}

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	d := Defaults()
	if d.Tolerance != 0.6 {
		t.Errorf("Tolerance = %v, want 0.6", d.Tolerance)
	}
	if d.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", d.MaxAttempts)
	}
	if d.RetryDelay != 15*time.Second {
		t.Errorf("RetryDelay = %s, want 15s", d.RetryDelay)
	}
	if d.Verify != VerifySize {
		t.Errorf("Verify = %q, want %q", d.Verify, VerifySize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing source", func(c *Config) { c.Source = "" }, "source is required"},
		{"missing destination", func(c *Config) { c.Destination = "" }, "destination is required"},
		{"zero tolerance", func(c *Config) { c.Tolerance = 0 }, "tolerance"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max-attempts"},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Second }, "retry-delay"},
		{"bad verify", func(c *Config) { c.Verify = "checksum" }, "verify"},
		{"no extensions", func(c *Config) { c.Extensions = nil }, "extension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := validConfig()
	c.Source = ""
	c.MaxAttempts = 0
	err := c.Validate()
	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "source") || !strings.Contains(err.Error(), "max-attempts") {
		t.Errorf("Both problems should be reported: %v", err)
	}
}

func TestNormalizeExtensions(t *testing.T) {
	got := normalizeExtensions([]string{"JPG", ".png", "webp, .heic", ".jpg"})
	want := []string{".jpg", ".png", ".webp", ".heic"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	d := Defaults()
	fs.String("source", "", "")
	fs.String("destination", "", "")
	fs.Int("max-attempts", d.MaxAttempts, "")
	fs.Duration("retry-delay", d.RetryDelay, "")
	fs.StringSlice("extensions", d.Extensions, "")
	return fs
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "photosift.yaml")
	yaml := "source: /from/file\ndestination: /file/dest\nmax-attempts: 5\nretry-delay: 2s\nmarker: export\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PHOTOSIFT_DESTINATION", "/env/dest")
	t.Setenv("PHOTOSIFT_MAX_ATTEMPTS", "7")

	fs := newFlags()
	if err := fs.Parse([]string{"--max-attempts", "9"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs, file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source != "/from/file" {
		t.Errorf("Source = %q, want file value", cfg.Source)
	}
	if cfg.Destination != "/env/dest" {
		t.Errorf("Destination = %q, env should beat file", cfg.Destination)
	}
	if cfg.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, flag should beat env", cfg.MaxAttempts)
	}
	if cfg.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay = %s, want 2s from file", cfg.RetryDelay)
	}
	if cfg.Marker != "export" {
		t.Errorf("Marker = %q", cfg.Marker)
	}
	if cfg.Tolerance != 0.6 {
		t.Errorf("Tolerance = %v, default expected", cfg.Tolerance)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(nil, filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected error for a missing explicit config file")
	}
}

func TestEncoderCommand(t *testing.T) {
	c := Defaults()
	got := c.EncoderCommand()
	if len(got) != 3 || got[0] != "python3" || got[2] != "python/encoder.py" {
		t.Errorf("EncoderCommand() = %v", got)
	}
}
