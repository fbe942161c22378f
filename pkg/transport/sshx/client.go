// Package sshx provides the minimal SSH/SFTP transport used to push backup
// archives to a remote host.
package sshx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

// Config describes the remote endpoint and credentials.
type Config struct {
	// Host is the remote hostname or address.
	Host string

	// Port is the SSH port, defaulting to 22.
	Port string

	// User is the login user.
	User string

	// KeyPath is the private key file. Empty falls back to
	// ~/.ssh/id_ed25519.
	KeyPath string

	// KnownHostsCallback verifies the host key. Defaults to
	// ssh.InsecureIgnoreHostKey, matching a first-contact install flow.
	KnownHostsCallback ssh.HostKeyCallback

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
}

// Validate checks the config and applies defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Port == "" {
		c.Port = "22"
	}
	if c.KeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for default key: %w", err)
		}
		c.KeyPath = path.Join(home, ".ssh", "id_ed25519")
	}
	if c.KnownHostsCallback == nil {
		c.KnownHostsCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	return nil
}

// Client is an SSH connection with an SFTP subsystem on top.
type Client struct {
	config *Config
	log    *telemetry.Logger

	mu     sync.Mutex
	client *ssh.Client
	sftpc  *sftp.Client
}

// NewClient creates a client. Connect must be called before use.
func NewClient(cfg *Config, log *telemetry.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	return &Client{
		config: cfg,
		log:    log.NewComponentLogger("sshx"),
	}, nil
}

// Connect establishes the SSH connection and opens the SFTP subsystem.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	key, err := os.ReadFile(c.config.KeyPath)
	if err != nil {
		return fmt.Errorf("reading private key %s: %w", c.config.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parsing private key %s: %w", c.config.KeyPath, err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: c.config.KnownHostsCallback,
		Timeout:         c.config.ConnectTimeout,
	}

	address := c.config.Host + ":" + c.config.Port
	c.log.Debugf("Connecting to %s", address)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, derr := ssh.Dial("tcp", address, clientConfig)
		ch <- dialResult{cl, derr}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("connecting to %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("connecting to %s: %w", address, res.err)
		}
		c.client = res.client
	}

	sftpc, err := sftp.NewClient(c.client)
	if err != nil {
		_ = c.client.Close()
		c.client = nil
		return fmt.Errorf("opening sftp subsystem: %w", err)
	}
	c.sftpc = sftpc
	return nil
}

// Close tears down the SFTP subsystem and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftpc != nil {
		_ = c.sftpc.Close()
		c.sftpc = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Execute runs a command on the remote host and returns combined output.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(command)
	close(done)
	if err != nil {
		return string(out), fmt.Errorf("executing %q: %w", command, err)
	}
	return string(out), nil
}

// Upload copies a local file to remotePath, creating parent directories as
// needed.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	sftpc := c.sftpc
	c.mu.Unlock()
	if sftpc == nil {
		return fmt.Errorf("not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpc.MkdirAll(dir); err != nil {
			return fmt.Errorf("creating remote directory %s: %w", dir, err)
		}
	}

	dst, err := sftpc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", localPath, err)
	}

	c.log.Infof("Uploaded %s to %s (%d bytes)", localPath, remotePath, n)
	return nil
}
