package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the typed view of the configuration tree. Unknown keys in the
// tree are tolerated; validation only inspects the fields declared here.
type Settings struct {
	// MatrixServerName is the hostname clients connect to.
	MatrixServerName string `yaml:"matrix_server_name" validate:"required,hostname"`

	// MatrixDomain is the domain used in Matrix user IDs.
	MatrixDomain string `yaml:"matrix_domain" validate:"required,hostname"`

	// AdminEmail receives certificate and operational notices.
	AdminEmail string `yaml:"admin_email" validate:"required,email"`

	// OptimizationLevel is the persisted effective resource tier.
	OptimizationLevel string `yaml:"optimization_level" validate:"omitempty,oneof=low standard high"`

	// ServerIP is the public address published in DNS. Empty means detect.
	ServerIP string `yaml:"server_ip" validate:"omitempty,ip"`

	Cloudflare *CloudflareSettings `yaml:"cloudflare"`
	Backup     *BackupSettings     `yaml:"backup"`
	Turn       TurnSettings        `yaml:"turn"`
}

// CloudflareSettings holds DNS provider credentials. The block is optional;
// when present both fields are required.
type CloudflareSettings struct {
	Email    string `yaml:"email" validate:"required,email"`
	APIToken string `yaml:"api_token" validate:"required,min=10"`
}

// BackupSettings describes the SFTP destination for encrypted backups.
type BackupSettings struct {
	// Remote is the destination in user@host[:port] form.
	Remote string `yaml:"remote" validate:"required,contains=@"`

	// Path is the remote directory backups are uploaded into.
	Path string `yaml:"path" validate:"required"`

	// KeyPath is the private key used to authenticate. Empty falls back
	// to ~/.ssh/id_ed25519.
	KeyPath string `yaml:"key_path"`
}

// TurnSettings configures the TURN relay shared secret.
type TurnSettings struct {
	Secret string `yaml:"secret" validate:"required,min=16"`
}

// ValidationError reports every schema violation found in a configuration,
// keyed by the dotted configuration key.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeSettings converts the raw tree into the typed schema by a yaml
// round-trip. Type mismatches surface as a ValidationError rather than a
// raw decoding error.
func decodeSettings(tree map[string]any) (*Settings, error) {
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, &ValidationError{Fields: map[string]string{
			"_": fmt.Sprintf("configuration has mistyped values: %v", err),
		}}
	}
	return &s, nil
}

// validateSettings runs the struct validation rules and maps violations back
// to dotted configuration keys with human-readable messages.
func validateSettings(s *Settings) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validating configuration: %w", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		key := fieldKey(fe.StructNamespace())
		fields[key] = fieldMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

// fieldKey maps a validator struct namespace such as
// "Settings.Cloudflare.APIToken" to the dotted key "cloudflare.api_token".
func fieldKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the root struct name
	}
	mapped := make([]string, len(parts))
	for i, p := range parts {
		mapped[i] = structFieldToKey[p]
		if mapped[i] == "" {
			mapped[i] = strings.ToLower(p)
		}
	}
	return strings.Join(mapped, ".")
}

var structFieldToKey = map[string]string{
	"MatrixServerName":  "matrix_server_name",
	"MatrixDomain":      "matrix_domain",
	"AdminEmail":        "admin_email",
	"OptimizationLevel": "optimization_level",
	"ServerIP":          "server_ip",
	"Cloudflare":        "cloudflare",
	"Backup":            "backup",
	"Turn":              "turn",
	"Email":             "email",
	"APIToken":          "api_token",
	"Remote":            "remote",
	"Path":              "path",
	"KeyPath":           "key_path",
	"Secret":            "secret",
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "value is required"
	case "hostname":
		return fmt.Sprintf("%q is not a valid hostname", fe.Value())
	case "email":
		return fmt.Sprintf("%q is not a valid email address", fe.Value())
	case "ip":
		return fmt.Sprintf("%q is not a valid IP address", fe.Value())
	case "oneof":
		return fmt.Sprintf("%q is not one of: %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "contains":
		return fmt.Sprintf("must contain %q", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
