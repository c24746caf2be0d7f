package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalCalDAV = `
source:
  type: caldav
  caldav:
    endpoint: "https://dav.example.com/"
    username: me
    password: secret
pairs:
  - source: /calendars/me/work/
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
database_path: /var/lib/calrelay/state.db
poll_interval: 45s
source:
  type: google
  google:
    credentials_file: /etc/calrelay/credentials.json
transfer:
  offload: threshold
  threshold: 250
  format: ics
blob:
  backend: webdav
  webdav:
    endpoint: "https://files.example.com/remote.php/dav/"
    collection: calrelay/blobs
pairs:
  - source: primary
  - source: team@group.calendar.google.com
    sink: team
retry:
  max_attempts: 5
timeouts:
  source: 2m
  sink: 10s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != "/var/lib/calrelay/state.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %v, want 45s", cfg.PollInterval)
	}
	if cfg.Source.Google.TokenFile != "/etc/calrelay/token.json" {
		t.Errorf("TokenFile = %q, want default next to credentials", cfg.Source.Google.TokenFile)
	}
	if cfg.Transfer.Offload != "threshold" || cfg.Transfer.Threshold != 250 || cfg.Transfer.Format != "ics" {
		t.Errorf("Transfer = %+v", cfg.Transfer)
	}
	if cfg.Blob.Backend != BlobWebDAV || cfg.Blob.WebDAV.Collection != "calrelay/blobs" {
		t.Errorf("Blob = %+v", cfg.Blob)
	}
	if len(cfg.Pairs) != 2 {
		t.Fatalf("Pairs len = %d, want 2", len(cfg.Pairs))
	}
	if cfg.Pairs[0].Sink != "primary" {
		t.Errorf("Pairs[0].Sink = %q, want it to default to the source", cfg.Pairs[0].Sink)
	}
	if cfg.Pairs[1].Sink != "team" {
		t.Errorf("Pairs[1].Sink = %q, want %q", cfg.Pairs[1].Sink, "team")
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeouts.Source != 2*time.Minute || cfg.Timeouts.Blob != 0 || cfg.Timeouts.Sink != 10*time.Second {
		t.Errorf("Timeouts = %+v", cfg.Timeouts)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalCalDAV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v, want default 5m", cfg.PollInterval)
	}
	if cfg.DatabasePath != "" {
		t.Errorf("DatabasePath = %q, want empty", cfg.DatabasePath)
	}
	if cfg.Transfer.Offload != "always" || cfg.Transfer.Threshold != 100 || cfg.Transfer.Format != "json" {
		t.Errorf("Transfer = %+v, want defaults", cfg.Transfer)
	}
	if cfg.Blob.Backend != BlobSQLite {
		t.Errorf("Blob.Backend = %q, want %q", cfg.Blob.Backend, BlobSQLite)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Load(writeConfig(t, "database_path: ~/calrelay.db\n"+minimalCalDAV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "calrelay.db"); cfg.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, want)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("CALRELAY_TEST_PASSWORD", "p@ss$word")
	path := writeConfig(t, `
source:
  type: caldav
  caldav:
    endpoint: "https://dav.example.com/"
    username: me
    password: "${CALRELAY_TEST_PASSWORD}"
pairs:
  - source: work
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.CalDAV.Password != "p@ss$word" {
		t.Errorf("Password = %q, want %q", cfg.Source.CalDAV.Password, "p@ss$word")
	}
}

func TestLoad_UnsetEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, strings.Replace(minimalCalDAV, "secret", "${CALRELAY_TEST_DEFINITELY_UNSET}", 1))
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "CALRELAY_TEST_DEFINITELY_UNSET") {
		t.Fatalf("expected error naming the unset variable, got %v", err)
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	const name = "CALRELAY_TEST_DOTENV_USER"
	t.Cleanup(func() { os.Unsetenv(name) })

	path := writeConfig(t, strings.Replace(minimalCalDAV, "username: me", "username: ${"+name+"}", 1))
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(name+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.CalDAV.Username != "from-dotenv" {
		t.Errorf("Username = %q, want %q", cfg.Source.CalDAV.Username, "from-dotenv")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing source type", "pairs:\n  - source: a\n"},
		{"unknown source type", "source:\n  type: outlook\npairs:\n  - source: a\n"},
		{"google without credentials", "source:\n  type: google\npairs:\n  - source: a\n"},
		{"caldav bad endpoint", strings.Replace(minimalCalDAV, "https://dav.example.com/", "not-a-url", 1)},
		{"no pairs", strings.Replace(minimalCalDAV, "pairs:\n  - source: /calendars/me/work/\n", "", 1)},
		{"duplicate source", minimalCalDAV + "  - source: /calendars/me/work/\n    sink: other\n"},
		{"empty pair source", minimalCalDAV + "  - sink: other\n"},
		{"poll interval too short", minimalCalDAV + "poll_interval: 5s\n"},
		{"poll interval too long", minimalCalDAV + "poll_interval: 48h\n"},
		{"bad offload mode", minimalCalDAV + "transfer:\n  offload: sometimes\n"},
		{"bad format", minimalCalDAV + "transfer:\n  format: xml\n"},
		{"webdav without settings", minimalCalDAV + "blob:\n  backend: webdav\n"},
		{"unknown blob backend", minimalCalDAV + "blob:\n  backend: s3\n"},
		{"negative attempts", minimalCalDAV + "retry:\n  max_attempts: -1\n"},
		{"negative timeout", minimalCalDAV + "timeouts:\n  sink: -1s\n"},
		{"unknown key", minimalCalDAV + "unknown_field: oops\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("calrelay", "config.yaml")) {
		t.Errorf("DefaultPath = %q", path)
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, minimalCalDAV+`
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-calrelay"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-calrelay" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-calrelay")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalCalDAV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	_, err := Load(writeConfig(t, minimalCalDAV+"telemetry:\n  insecure: true\n"))
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestLoad_TelemetryHeaders(t *testing.T) {
	path := writeConfig(t, minimalCalDAV+`
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  headers:
    Authorization: "Bearer secret"
    x-dataset: "test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.Headers) != 2 {
		t.Fatalf("Headers len = %d, want 2", len(cfg.Telemetry.Headers))
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q, want %q", cfg.Telemetry.Headers["Authorization"], "Bearer secret")
	}
}
