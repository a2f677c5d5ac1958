// Package config holds the runtime configuration of a migration run:
// defaults, loading from flags, environment and a YAML file, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PHOTOSIFT_SOURCE.
const EnvPrefix = "PHOTOSIFT"

// DefaultFile is read from the working directory when --config is not given.
const DefaultFile = "photosift.yaml"

// Verification modes for uploads.
const (
	VerifyExists = "exists"
	VerifySize   = "size"
)

// Config is built once at startup and passed to every component.
type Config struct {
	// Locations.
	Source      string `mapstructure:"source"`
	Destination string `mapstructure:"destination"` // Path or sftp:// / ftp:// URL.
	Results     string `mapstructure:"results"`
	References  string `mapstructure:"references"`
	Scratch     string `mapstructure:"scratch"`

	// Matching.
	Extensions []string `mapstructure:"extensions"`
	Tolerance  float64  `mapstructure:"tolerance"`

	// Upload retry policy.
	MaxAttempts int           `mapstructure:"max-attempts"`
	RetryDelay  time.Duration `mapstructure:"retry-delay"`
	Verify      string        `mapstructure:"verify"`

	// Bundle naming.
	Marker       string `mapstructure:"marker"`
	BundleExt    string `mapstructure:"bundle-ext"`
	ResultPrefix string `mapstructure:"result-prefix"`

	// Encoder process.
	EncoderCmd    string        `mapstructure:"encoder-cmd"`
	EncodeTimeout time.Duration `mapstructure:"encode-timeout"`

	// Reporting.
	Progress    bool     `mapstructure:"progress"`
	MetricsFile string   `mapstructure:"metrics-file"`
	Notify      []string `mapstructure:"notify"`
	DB          string   `mapstructure:"db"`
	LogFile     string   `mapstructure:"log-file"`
	Verbose     bool     `mapstructure:"verbose"`
}

// Defaults returns the configuration used when nothing overrides a key.
func Defaults() Config {
	return Config{
		Results:       "found_photos",
		References:    "references",
		Scratch:       "scratch",
		Extensions:    []string{".jpg", ".jpeg", ".png", ".webp", ".bmp", ".tiff"},
		Tolerance:     0.6,
		MaxAttempts:   3,
		RetryDelay:    15 * time.Second,
		Verify:        VerifySize,
		Marker:        "takeout",
		BundleExt:     ".zip",
		ResultPrefix:  "remainder",
		EncoderCmd:    "python3 -u python/encoder.py",
		EncodeTimeout: 60 * time.Second,
		Progress:      true,
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("source", d.Source)
	v.SetDefault("destination", d.Destination)
	v.SetDefault("results", d.Results)
	v.SetDefault("references", d.References)
	v.SetDefault("scratch", d.Scratch)
	v.SetDefault("extensions", d.Extensions)
	v.SetDefault("tolerance", d.Tolerance)
	v.SetDefault("max-attempts", d.MaxAttempts)
	v.SetDefault("retry-delay", d.RetryDelay)
	v.SetDefault("verify", d.Verify)
	v.SetDefault("marker", d.Marker)
	v.SetDefault("bundle-ext", d.BundleExt)
	v.SetDefault("result-prefix", d.ResultPrefix)
	v.SetDefault("encoder-cmd", d.EncoderCmd)
	v.SetDefault("encode-timeout", d.EncodeTimeout)
	v.SetDefault("progress", d.Progress)
	v.SetDefault("metrics-file", "")
	v.SetDefault("notify", []string{})
	v.SetDefault("db", "")
	v.SetDefault("log-file", "")
	v.SetDefault("verbose", false)
}

// Load resolves the configuration. Precedence, highest first: flags that were
// set explicitly, PHOTOSIFT_* environment variables, the YAML file, defaults.
// An explicitly named file must exist; the default file is optional.
func Load(flags *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	switch {
	case file != "":
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Normalize lower-cases extensions and gives each a leading dot. Entries may
// themselves be comma or space separated lists, as they are when they come
// from a single environment variable.
func (c *Config) Normalize() {
	c.Extensions = normalizeExtensions(c.Extensions)
	if c.BundleExt != "" && !strings.HasPrefix(c.BundleExt, ".") {
		c.BundleExt = "." + c.BundleExt
	}
	c.BundleExt = strings.ToLower(c.BundleExt)
	c.Verify = strings.ToLower(strings.TrimSpace(c.Verify))
}

func normalizeExtensions(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range in {
		for _, ext := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ' ' }) {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			if !seen[ext] {
				seen[ext] = true
				out = append(out, ext)
			}
		}
	}
	return out
}

// Validate checks the settings a migration run depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if c.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	}
	if c.Results == "" {
		errs = append(errs, errors.New("results directory is required"))
	}
	if c.References == "" {
		errs = append(errs, errors.New("references directory is required"))
	}
	if c.Scratch == "" {
		errs = append(errs, errors.New("scratch directory is required"))
	}
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("at least one photo extension is required"))
	}
	if c.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("tolerance must be positive, got %v", c.Tolerance))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max-attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry-delay must not be negative, got %s", c.RetryDelay))
	}
	if c.Verify != VerifyExists && c.Verify != VerifySize {
		errs = append(errs, fmt.Errorf("verify must be %q or %q, got %q", VerifyExists, VerifySize, c.Verify))
	}
	if c.BundleExt == "" {
		errs = append(errs, errors.New("bundle-ext is required"))
	}
	if c.EncodeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("encode-timeout must be positive, got %s", c.EncodeTimeout))
	}
	return errors.Join(errs...)
}

// EncoderCommand splits EncoderCmd into program and arguments.
func (c *Config) EncoderCommand() []string {
	return strings.Fields(c.EncoderCmd)
}
