package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"

	"github.com/charmbracelet/huh"
)

var hostnameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// PromptMissing interactively collects every required value that is still
// absent after files and environment variables have been applied, then
// persists the result. Values that are already set are never asked again.
func (s *Store) PromptMissing(ctx context.Context) error {
	if err := s.promptIdentity(ctx); err != nil {
		return err
	}
	if err := s.promptCloudflare(ctx); err != nil {
		return err
	}
	if err := s.promptBackup(ctx); err != nil {
		return err
	}
	if err := s.ensureTurnSecret(); err != nil {
		return err
	}
	return s.Persist()
}

func (s *Store) promptIdentity(ctx context.Context) error {
	serverName := s.GetString("matrix_server_name", "")
	domain := s.GetString("matrix_domain", "")
	email := s.GetString("admin_email", "")

	var fields []huh.Field
	if serverName == "" {
		fields = append(fields, huh.NewInput().
			Title("Matrix Server Name").
			Description("Hostname clients connect to").
			Placeholder("matrix.example.com").
			Value(&serverName).
			Validate(validateHostname))
	}
	if domain == "" {
		fields = append(fields, huh.NewInput().
			Title("Matrix Domain").
			Description("Domain part of Matrix user IDs, e.g. @alice:example.com").
			Placeholder("example.com").
			Value(&domain).
			Validate(validateHostname))
	}
	if email == "" {
		fields = append(fields, huh.NewInput().
			Title("Admin Email").
			Description("Receives certificate and operational notices").
			Placeholder("admin@example.com").
			Value(&email).
			Validate(validateEmail))
	}
	if len(fields) == 0 {
		return nil
	}

	err := huh.NewForm(
		huh.NewGroup(fields...).Title("Server Identity"),
	).RunWithContext(ctx)
	if err != nil {
		return err
	}

	s.set("matrix_server_name", serverName)
	s.set("matrix_domain", domain)
	s.set("admin_email", email)
	return nil
}

func (s *Store) promptCloudflare(ctx context.Context) error {
	if s.GetString("cloudflare.api_token", "") != "" {
		return nil
	}

	useCloudflare := false
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Manage DNS via Cloudflare?").
				Description("DNS records are created automatically when enabled").
				Value(&useCloudflare),
		).Title("DNS"),
	).RunWithContext(ctx)
	if err != nil {
		return err
	}
	if !useCloudflare {
		return nil
	}

	email := s.GetString("cloudflare.email", "")
	var token string
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Cloudflare Account Email").
				Value(&email).
				Validate(validateEmail),
			huh.NewInput().
				Title("Cloudflare API Token").
				Description("Token with DNS edit permission for the zone").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(validateNonEmpty),
		).Title("Cloudflare"),
	).RunWithContext(ctx)
	if err != nil {
		return err
	}

	s.set("cloudflare.email", email)
	s.set("cloudflare.api_token", token)
	return nil
}

func (s *Store) promptBackup(ctx context.Context) error {
	if s.GetString("backup.remote", "") != "" {
		return nil
	}

	useBackup := false
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Configure encrypted off-site backups?").
				Description("Backups are uploaded over SFTP").
				Value(&useBackup),
		).Title("Backups"),
	).RunWithContext(ctx)
	if err != nil {
		return err
	}
	if !useBackup {
		return nil
	}

	var remote, path, keyPath string
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backup Remote").
				Description("SFTP destination in user@host[:port] form").
				Placeholder("backup@storage.example.com").
				Value(&remote).
				Validate(validateRemote),
			huh.NewInput().
				Title("Backup Path").
				Description("Remote directory for backup archives").
				Placeholder("/backups/matrix").
				Value(&path).
				Validate(validateNonEmpty),
			huh.NewInput().
				Title("SSH Key Path (Optional)").
				Description("Private key for the remote. Leave empty for ~/.ssh/id_ed25519").
				Value(&keyPath),
		).Title("Backup Destination"),
	).RunWithContext(ctx)
	if err != nil {
		return err
	}

	s.set("backup.remote", remote)
	s.set("backup.path", path)
	if keyPath != "" {
		s.set("backup.key_path", keyPath)
	}
	return nil
}

// ensureTurnSecret generates the TURN shared secret when absent. It is never
// prompted for since no human needs to know it.
func (s *Store) ensureTurnSecret() error {
	if s.GetString("turn.secret", "") != "" {
		return nil
	}
	secret, err := generateSecret(32)
	if err != nil {
		return fmt.Errorf("generating TURN secret: %w", err)
	}
	s.set("turn.secret", secret)
	s.log.Info("Generated TURN shared secret")
	return nil
}

func generateSecret(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func validateHostname(v string) error {
	if v == "" {
		return fmt.Errorf("value is required")
	}
	if !hostnameRegex.MatchString(strings.ToLower(v)) {
		return fmt.Errorf("not a valid hostname")
	}
	return nil
}

func validateEmail(v string) error {
	if _, err := mail.ParseAddress(v); err != nil {
		return fmt.Errorf("not a valid email address")
	}
	return nil
}

func validateNonEmpty(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

func validateRemote(v string) error {
	user, host, ok := strings.Cut(v, "@")
	if !ok || user == "" || host == "" {
		return fmt.Errorf("expected user@host[:port]")
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if h == "" || p == "" {
			return fmt.Errorf("expected user@host[:port]")
		}
	}
	return nil
}

// ParseRemote splits a backup remote into user, host, and port. The port
// defaults to 22 when omitted.
func ParseRemote(remote string) (user, host, port string, err error) {
	user, hostPart, ok := strings.Cut(remote, "@")
	if !ok || user == "" || hostPart == "" {
		return "", "", "", fmt.Errorf("malformed remote %q, expected user@host[:port]", remote)
	}
	host, port, serr := net.SplitHostPort(hostPart)
	if serr != nil {
		return user, hostPart, "22", nil
	}
	return user, host, port, nil
}
