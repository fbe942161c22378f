package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir(), testLogger(t))
	s.lookupEnv = func(string) (string, bool) { return "", false }
	return s
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.Set("matrix_domain", "example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("cloudflare.api_token", "tok-1234567890"); err != nil {
		t.Fatalf("Set nested: %v", err)
	}

	if got := s.GetString("matrix_domain", ""); got != "example.com" {
		t.Errorf("matrix_domain = %q, want example.com", got)
	}
	if got := s.GetString("cloudflare.api_token", ""); got != "tok-1234567890" {
		t.Errorf("cloudflare.api_token = %q, want tok-1234567890", got)
	}
	if got := s.GetString("nope.missing", "fallback"); got != "fallback" {
		t.Errorf("missing key = %q, want fallback", got)
	}
}

func TestSetPersistsImmediately(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testLogger(t))
	s.lookupEnv = func(string) (string, bool) { return "", false }
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Set("matrix_domain", "example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A fresh store over the same directory must observe the value.
	fresh := NewStore(dir, testLogger(t))
	fresh.lookupEnv = func(string) (string, bool) { return "", false }
	if err := fresh.Load(""); err != nil {
		t.Fatalf("fresh Load: %v", err)
	}
	if got := fresh.GetString("matrix_domain", ""); got != "example.com" {
		t.Errorf("fresh store matrix_domain = %q, want example.com", got)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yml := "matrix_domain: a.com\nmatrix_server_name: matrix.a.com\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	s := NewStore(dir, testLogger(t))
	s.lookupEnv = func(name string) (string, bool) {
		if name == "MATRIX_DOMAIN" {
			return "b.com", true
		}
		return "", false
	}
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := s.GetString("matrix_domain", ""); got != "b.com" {
		t.Errorf("matrix_domain = %q, want env value b.com", got)
	}
	if got := s.GetString("matrix_server_name", ""); got != "matrix.a.com" {
		t.Errorf("matrix_server_name = %q, want file value matrix.a.com", got)
	}
}

func TestEnvPresentButEmptyOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yml := "matrix_domain: a.com\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	s := NewStore(dir, testLogger(t))
	s.lookupEnv = func(name string) (string, bool) {
		if name == "MATRIX_DOMAIN" {
			return "", true
		}
		return "", false
	}
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// A set-but-empty variable still wins over the file value.
	if got := s.GetString("matrix_domain", "unset"); got != "" {
		t.Errorf("matrix_domain = %q, want empty string from environment", got)
	}
}

func TestExplicitConfigReplacesPersisted(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte("matrix_domain: persisted.com\n"), 0o600); err != nil {
		t.Fatalf("seed persisted config: %v", err)
	}
	explicit := filepath.Join(t.TempDir(), "other.yml")
	if err := os.WriteFile(explicit, []byte("admin_email: root@other.com\n"), 0o600); err != nil {
		t.Fatalf("seed explicit config: %v", err)
	}

	s := NewStore(dir, testLogger(t))
	s.lookupEnv = func(string) (string, bool) { return "", false }
	if err := s.Load(explicit); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := s.GetString("admin_email", ""); got != "root@other.com" {
		t.Errorf("admin_email = %q, want root@other.com", got)
	}
	// The persisted file is replaced, not merged.
	if got := s.GetString("matrix_domain", ""); got != "" {
		t.Errorf("matrix_domain = %q, want empty", got)
	}
}

func TestExplicitConfigMustExist(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load("/no/such/config.yml"); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestMalformedConfigIsValidationError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte("{not yaml: ["), 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	s := NewStore(dir, testLogger(t))
	s.lookupEnv = func(string) (string, bool) { return "", false }

	err := s.Load("")
	var verr *ValidationError
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
	if !asValidationError(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
}

func asValidationError(err error, target **ValidationError) bool {
	v, ok := err.(*ValidationError)
	if ok {
		*target = v
	}
	return ok
}

func TestPersistWritesSidecarWithSecretsOnly(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, testLogger(t))
	s.lookupEnv = func(string) (string, bool) { return "", false }
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	s.set("matrix_domain", "example.com")
	s.set("cloudflare.api_token", "tok-1234567890")
	s.set("turn.secret", "s3cr3t-s3cr3t-s3cr3t")
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	envData, err := os.ReadFile(filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	content := string(envData)
	if !strings.Contains(content, "CLOUDFLARE_API_TOKEN=tok-1234567890") {
		t.Errorf("sidecar missing api token, got:\n%s", content)
	}
	if !strings.Contains(content, "TURN_SECRET=s3cr3t-s3cr3t-s3cr3t") {
		t.Errorf("sidecar missing turn secret, got:\n%s", content)
	}
	if strings.Contains(content, "example.com") {
		t.Errorf("sidecar contains non-secret value:\n%s", content)
	}

	info, err := os.Stat(filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatalf("stat sidecar: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("sidecar permissions = %o, want 600", perm)
	}

	info, err = os.Stat(filepath.Join(dir, "config.yml"))
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config permissions = %o, want 600", perm)
	}
}

func TestValidate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Empty config is missing every required field.
	err := s.Validate()
	var verr *ValidationError
	if !asValidationError(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, key := range []string{"matrix_server_name", "matrix_domain", "admin_email", "turn.secret"} {
		if _, ok := verr.Fields[key]; !ok {
			t.Errorf("expected violation for %s, got %v", key, verr.Fields)
		}
	}

	s.set("matrix_server_name", "matrix.example.com")
	s.set("matrix_domain", "example.com")
	s.set("admin_email", "admin@example.com")
	s.set("turn.secret", "0123456789abcdef0123456789abcdef")
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	// A bad optimization level is reported against its key.
	s.set("optimization_level", "turbo")
	if !asValidationError(s.Validate(), &verr) {
		t.Fatal("expected ValidationError for bad level")
	}
	if _, ok := verr.Fields["optimization_level"]; !ok {
		t.Errorf("expected violation for optimization_level, got %v", verr.Fields)
	}
}

func TestValidateNestedBlocks(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.set("matrix_server_name", "matrix.example.com")
	s.set("matrix_domain", "example.com")
	s.set("admin_email", "admin@example.com")
	s.set("turn.secret", "0123456789abcdef0123456789abcdef")

	// A cloudflare block with a missing token is rejected.
	s.set("cloudflare.email", "ops@example.com")
	var verr *ValidationError
	if !asValidationError(s.Validate(), &verr) {
		t.Fatal("expected ValidationError for incomplete cloudflare block")
	}
	if _, ok := verr.Fields["cloudflare.api_token"]; !ok {
		t.Errorf("expected violation for cloudflare.api_token, got %v", verr.Fields)
	}

	s.set("cloudflare.api_token", "tok-1234567890")
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestSnapshotRedactsSecrets(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.set("turn.secret", "super-secret-value")
	s.set("matrix_domain", "example.com")

	snap := s.Snapshot(true)
	turn, _ := snap["turn"].(map[string]any)
	if turn == nil || turn["secret"] != "<redacted>" {
		t.Errorf("expected redacted turn secret, got %v", snap)
	}
	if snap["matrix_domain"] != "example.com" {
		t.Errorf("non-secret value altered: %v", snap["matrix_domain"])
	}

	// The store itself is unchanged.
	if got := s.GetString("turn.secret", ""); got != "super-secret-value" {
		t.Errorf("store mutated by Snapshot: %q", got)
	}
}

func TestEnsureTurnSecret(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.ensureTurnSecret(); err != nil {
		t.Fatalf("ensureTurnSecret: %v", err)
	}
	first := s.GetString("turn.secret", "")
	if len(first) != 64 {
		t.Errorf("generated secret length = %d, want 64 hex chars", len(first))
	}

	// A second call must not rotate an existing secret.
	if err := s.ensureTurnSecret(); err != nil {
		t.Fatalf("ensureTurnSecret again: %v", err)
	}
	if got := s.GetString("turn.secret", ""); got != first {
		t.Error("existing TURN secret was rotated")
	}
}

func TestParseRemote(t *testing.T) {
	tests := []struct {
		in               string
		user, host, port string
		wantErr          bool
	}{
		{"backup@storage.example.com", "backup", "storage.example.com", "22", false},
		{"backup@storage.example.com:2222", "backup", "storage.example.com", "2222", false},
		{"nouser.example.com", "", "", "", true},
		{"@host", "", "", "", true},
	}
	for _, tt := range tests {
		user, host, port, err := ParseRemote(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRemote(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRemote(%q): %v", tt.in, err)
			continue
		}
		if user != tt.user || host != tt.host || port != tt.port {
			t.Errorf("ParseRemote(%q) = %q %q %q, want %q %q %q",
				tt.in, user, host, port, tt.user, tt.host, tt.port)
		}
	}
}
