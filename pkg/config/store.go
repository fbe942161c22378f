// Package config manages the installer configuration: a layered key/value
// tree persisted as YAML with a restricted .env sidecar for secrets.
//
// Values are resolved with a fixed precedence, lowest to highest: built-in
// defaults, the persisted config file (or an explicit --config file),
// process environment variables, and finally interactive answers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

const (
	configFileName = "config.yml"
	envFileName    = ".env"

	dirMode  = 0o700
	fileMode = 0o600
)

// envBinding maps a process environment variable to a dotted configuration
// key. Secret bindings are the only entries written to the .env sidecar.
type envBinding struct {
	env    string
	key    string
	secret bool
}

var envBindings = []envBinding{
	{"MATRIX_SERVER_NAME", "matrix_server_name", false},
	{"MATRIX_DOMAIN", "matrix_domain", false},
	{"ADMIN_EMAIL", "admin_email", false},
	{"CLOUDFLARE_EMAIL", "cloudflare.email", false},
	{"CLOUDFLARE_API_TOKEN", "cloudflare.api_token", true},
	{"BACKUP_REMOTE", "backup.remote", false},
	{"BACKUP_PATH", "backup.path", false},
	{"TURN_SECRET", "turn.secret", true},
}

// Store owns the configuration tree and its on-disk representation.
type Store struct {
	log *telemetry.Logger

	// dir is the state directory, typically ~/.pq-matrix.
	dir string

	tree map[string]any

	// lookupEnv allows tests to substitute the process environment.
	lookupEnv func(string) (string, bool)
}

// DefaultDir returns the per-user state directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".pq-matrix"), nil
}

// NewStore creates a store rooted at dir. Load must be called before use.
func NewStore(dir string, log *telemetry.Logger) *Store {
	return &Store{
		log:       log.NewComponentLogger("config"),
		dir:       dir,
		tree:      defaults(),
		lookupEnv: os.LookupEnv,
	}
}

func defaults() map[string]any {
	return map[string]any{
		"optimization_level": "standard",
	}
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the location of the persisted configuration file.
func (s *Store) Path() string { return filepath.Join(s.dir, configFileName) }

func (s *Store) envPath() string { return filepath.Join(s.dir, envFileName) }

// Load populates the tree. When explicitPath is non-empty that file replaces
// the persisted one entirely and must exist; otherwise the persisted file is
// merged in if present. Environment variables are applied last.
func (s *Store) Load(explicitPath string) error {
	s.tree = defaults()

	path := s.Path()
	required := false
	if explicitPath != "" {
		path = explicitPath
		required = true
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var loaded map[string]any
		if uerr := yaml.Unmarshal(data, &loaded); uerr != nil {
			return &ValidationError{Fields: map[string]string{
				"_": fmt.Sprintf("%s is not valid YAML: %v", path, uerr),
			}}
		}
		merge(s.tree, loaded)
		s.log.Debugf("Loaded configuration from %s", path)
	case os.IsNotExist(err) && !required:
		s.log.Debug("No persisted configuration found, starting from defaults")
	default:
		return fmt.Errorf("reading configuration %s: %w", path, err)
	}

	// Presence decides: a bound variable that is set overrides the file
	// value even when it is empty.
	for _, b := range envBindings {
		if v, ok := s.lookupEnv(b.env); ok {
			s.set(b.key, v)
			s.log.Debugf("Configuration key %s overridden by environment", b.key)
		}
	}
	return nil
}

// merge recursively overlays src onto dst. Nested maps are merged; any other
// value in src replaces the one in dst.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				merge(dm, sm)
				continue
			}
			fresh := map[string]any{}
			merge(fresh, sm)
			dst[k] = fresh
			continue
		}
		dst[k] = v
	}
}

// Get returns the value at a dotted key, or def when the key is absent.
func (s *Store) Get(key string, def any) any {
	node := any(s.tree)
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return def
		}
		node, ok = m[part]
		if !ok {
			return def
		}
	}
	return node
}

// GetString returns the value at a dotted key as a string. Non-string values
// and absent keys yield def.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.Get(key, def).(string); ok {
		return v
	}
	return def
}

// Set writes a value at a dotted key, creating intermediate maps as needed,
// and persists the tree immediately.
func (s *Store) Set(key string, value any) error {
	s.set(key, value)
	return s.Persist()
}

func (s *Store) set(key string, value any) {
	parts := strings.Split(key, ".")
	node := s.tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// Validate decodes the tree into the typed schema and runs the validation
// rules. A nil return means every declared constraint holds.
func (s *Store) Validate() error {
	settings, err := decodeSettings(s.tree)
	if err != nil {
		return err
	}
	return validateSettings(settings)
}

// Settings returns the typed view of the current tree without validating it.
func (s *Store) Settings() (*Settings, error) {
	return decodeSettings(s.tree)
}

// Snapshot returns a deep copy of the tree. When redact is true, values under
// secret-bearing keys are replaced with a placeholder.
func (s *Store) Snapshot(redact bool) map[string]any {
	out := map[string]any{}
	merge(out, s.tree)
	if redact {
		for _, b := range envBindings {
			if !b.secret {
				continue
			}
			if v := s.GetString(b.key, ""); v != "" {
				redactKey(out, b.key)
			}
		}
	}
	return out
}

func redactKey(tree map[string]any, key string) {
	parts := strings.Split(key, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	node[parts[len(parts)-1]] = "<redacted>"
}

// Persist writes the configuration file and the .env sidecar. Both files are
// written via a temp file and rename so a crash never leaves a truncated
// file behind. An error from either write fails the whole operation.
func (s *Store) Persist() error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("creating state directory %s: %w", s.dir, err)
	}

	data, err := yaml.Marshal(s.tree)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	if err := writeFileAtomic(s.Path(), data, fileMode); err != nil {
		return fmt.Errorf("writing %s: %w", s.Path(), err)
	}

	if err := writeFileAtomic(s.envPath(), s.renderEnv(), fileMode); err != nil {
		return fmt.Errorf("writing %s: %w", s.envPath(), err)
	}

	s.log.Debugf("Persisted configuration to %s", s.Path())
	return nil
}

// renderEnv builds the KEY=VALUE sidecar from the secret bindings that have
// values, in a stable order.
func (s *Store) renderEnv() []byte {
	lines := make([]string, 0, len(envBindings))
	for _, b := range envBindings {
		if !b.secret {
			continue
		}
		if v := s.GetString(b.key, ""); v != "" {
			lines = append(lines, b.env+"="+v)
		}
	}
	sort.Strings(lines)
	return []byte(strings.Join(lines, "\n") + "\n")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
