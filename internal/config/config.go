// Package config loads and validates the calrelay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceGoogle = "google"
	SourceCalDAV = "caldav"
)

// Blob backends.
const (
	BlobSQLite = "sqlite"
	BlobWebDAV = "webdav"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite file holding replicated events, cursors and
	// (with the sqlite blob backend) offloaded change-sets. Empty selects
	// ~/.local/share/calrelay/state.db.
	DatabasePath string `yaml:"database_path"`

	// PollInterval controls how often the daemon runs a pass for every pair.
	// Minimum 10s, maximum 24h. Defaults to 5m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	Source   SourceConfig   `yaml:"source"`
	Transfer TransferConfig `yaml:"transfer"`
	Blob     BlobConfig     `yaml:"blob"`

	// Pairs lists the calendars to replicate.
	Pairs []PairConfig `yaml:"pairs"`

	Retry    RetryConfig    `yaml:"retry"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SourceConfig selects and configures the calendar source.
type SourceConfig struct {
	// Type is "google" or "caldav".
	Type   string        `yaml:"type"`
	Google *GoogleConfig `yaml:"google,omitempty"`
	CalDAV *CalDAVConfig `yaml:"caldav,omitempty"`
}

// GoogleConfig points at the OAuth client credentials and the saved token.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	// TokenFile defaults to token.json next to the credentials file.
	TokenFile string `yaml:"token_file"`
}

// CalDAVConfig holds CalDAV server settings. Use ${VAR} references to keep
// the password out of the file.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TransferConfig controls blob offloading of upserts.
type TransferConfig struct {
	// Offload is "always" (default), "threshold" or "never".
	Offload string `yaml:"offload"`
	// Threshold is the upsert count at which "threshold" mode offloads.
	// Defaults to 100.
	Threshold int `yaml:"threshold"`
	// Format is the blob encoding, "json" (default) or "ics".
	Format string `yaml:"format"`
}

// BlobConfig selects the blob backend.
type BlobConfig struct {
	// Backend is "sqlite" (default) or "webdav".
	Backend string        `yaml:"backend"`
	WebDAV  *WebDAVConfig `yaml:"webdav,omitempty"`
}

// WebDAVConfig holds WebDAV blob storage settings.
type WebDAVConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Collection string `yaml:"collection"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// PairConfig maps a source calendar to a sink calendar.
type PairConfig struct {
	Source string `yaml:"source"`
	// Sink defaults to Source.
	Sink string `yaml:"sink"`
}

// RetryConfig bounds retries of a failed pass.
type RetryConfig struct {
	// MaxAttempts defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// TimeoutsConfig bounds each external call of a pass. Zero means no limit
// beyond the pass itself.
type TimeoutsConfig struct {
	Source time.Duration `yaml:"source"`
	Blob   time.Duration `yaml:"blob"`
	Sink   time.Duration `yaml:"sink"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "calrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// envRef matches ${NAME} references. Bare $NAME is left alone so passwords
// containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultPath returns the default config file path: ~/.config/calrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calrelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path. A .env
// file next to it is loaded first; variables already set in the environment
// take precedence. ${VAR} references in the YAML are then expanded.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %q: %w", envFile, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// expandEnv substitutes ${VAR} references and fails on unset variables.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	p, err := expandHome(c.DatabasePath)
	if err != nil {
		return err
	}
	c.DatabasePath = p

	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 24*time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 24h)", c.PollInterval)
	}

	if err := c.Source.validate(); err != nil {
		return err
	}
	if err := c.Transfer.validate(); err != nil {
		return err
	}
	if err := c.Blob.validate(); err != nil {
		return err
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("pairs must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for i := range c.Pairs {
		pair := &c.Pairs[i]
		if pair.Source == "" {
			return fmt.Errorf("pairs[%d].source is required", i)
		}
		if pair.Sink == "" {
			pair.Sink = pair.Source
		}
		// Cursors are stored per source calendar.
		if seen[pair.Source] {
			return fmt.Errorf("pairs[%d]: source calendar %q is listed twice", i, pair.Source)
		}
		seen[pair.Source] = true
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Timeouts.Source < 0 || c.Timeouts.Blob < 0 || c.Timeouts.Sink < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Type {
	case SourceGoogle:
		if s.Google == nil || s.Google.CredentialsFile == "" {
			return fmt.Errorf("source.google.credentials_file is required for the google source")
		}
		creds, err := expandHome(s.Google.CredentialsFile)
		if err != nil {
			return err
		}
		s.Google.CredentialsFile = creds
		if s.Google.TokenFile == "" {
			s.Google.TokenFile = filepath.Join(filepath.Dir(creds), "token.json")
		}
		tok, err := expandHome(s.Google.TokenFile)
		if err != nil {
			return err
		}
		s.Google.TokenFile = tok
	case SourceCalDAV:
		if s.CalDAV == nil {
			return fmt.Errorf("source.caldav is required for the caldav source")
		}
		if err := validateURL("source.caldav.endpoint", s.CalDAV.Endpoint); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("source.type is required")
	default:
		return fmt.Errorf("source.type %q must be %q or %q", s.Type, SourceGoogle, SourceCalDAV)
	}
	return nil
}

func (t *TransferConfig) validate() error {
	switch t.Offload {
	case "":
		t.Offload = "always"
	case "always", "threshold", "never":
	default:
		return fmt.Errorf("transfer.offload %q must be always, threshold or never", t.Offload)
	}
	if t.Threshold == 0 {
		t.Threshold = 100
	}
	if t.Threshold < 0 {
		return fmt.Errorf("transfer.threshold must not be negative")
	}
	switch t.Format {
	case "":
		t.Format = "json"
	case "json", "ics":
	default:
		return fmt.Errorf("transfer.format %q must be json or ics", t.Format)
	}
	return nil
}

func (b *BlobConfig) validate() error {
	switch b.Backend {
	case "":
		b.Backend = BlobSQLite
	case BlobSQLite:
	case BlobWebDAV:
		if b.WebDAV == nil {
			return fmt.Errorf("blob.webdav is required for the webdav backend")
		}
		if err := validateURL("blob.webdav.endpoint", b.WebDAV.Endpoint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("blob.backend %q must be %q or %q", b.Backend, BlobSQLite, BlobWebDAV)
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q must be a valid http or https URL", field, raw)
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
