// Package vault protects installer secrets at rest. A random master key is
// split into XOR shards stored as separate files, and individual secrets
// are sealed with AES-GCM under that key.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

const (
	keySize      = 32
	manifestName = "manifest.json"
)

// Split divides a secret into n shards such that the XOR of all shards
// reconstructs the secret. Every shard is required for reconstruction.
func Split(secret []byte, n int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	if n < 2 {
		return nil, fmt.Errorf("shard count must be at least 2, got %d", n)
	}

	shards := make([][]byte, n)
	last := make([]byte, len(secret))
	copy(last, secret)

	for i := 0; i < n-1; i++ {
		shard := make([]byte, len(secret))
		if _, err := rand.Read(shard); err != nil {
			return nil, fmt.Errorf("generating shard: %w", err)
		}
		for j := range last {
			last[j] ^= shard[j]
		}
		shards[i] = shard
	}
	shards[n-1] = last
	return shards, nil
}

// Join reconstructs a secret from its shards. It fails on missing or
// mismatched shards; a partial set never yields a partial secret.
func Join(shards [][]byte) ([]byte, error) {
	if len(shards) < 2 {
		return nil, fmt.Errorf("at least 2 shards are required, got %d", len(shards))
	}

	size := len(shards[0])
	if size == 0 {
		return nil, fmt.Errorf("shard 0 is empty")
	}
	for i, s := range shards {
		if len(s) != size {
			return nil, fmt.Errorf("shard %d has length %d, expected %d", i, len(s), size)
		}
	}

	secret := make([]byte, size)
	for _, s := range shards {
		for j := range secret {
			secret[j] ^= s[j]
		}
	}
	return secret, nil
}

// Manifest describes a sharded vault on disk.
type Manifest struct {
	// ShardCount is the number of key shards written.
	ShardCount int `json:"shard_count"`

	// ThresholdCount is the operator's distribution target: how many
	// shard locations should be kept separate. Reconstruction itself
	// requires every shard.
	ThresholdCount int `json:"threshold_count"`

	// KeyChecksum is the SHA-256 of the master key, used to verify a
	// reconstructed key before any decryption is attempted.
	KeyChecksum string `json:"key_checksum"`
}

// Vault manages the sharded master key and sealed secrets under a directory.
type Vault struct {
	log    *telemetry.Logger
	dir    string
	tuning sysinfo.Tuning
}

// New creates a vault rooted at dir, sized by the host tuning parameters.
func New(dir string, tuning sysinfo.Tuning, log *telemetry.Logger) *Vault {
	return &Vault{
		log:    log.NewComponentLogger("vault"),
		dir:    dir,
		tuning: tuning,
	}
}

// Initialized reports whether a vault manifest exists.
func (v *Vault) Initialized() bool {
	_, err := os.Stat(filepath.Join(v.dir, manifestName))
	return err == nil
}

// Initialize generates a fresh master key, shards it, and writes the shards
// and manifest. It refuses to overwrite an existing vault.
func (v *Vault) Initialize() error {
	if v.Initialized() {
		return fmt.Errorf("vault already initialized at %s", v.dir)
	}
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return fmt.Errorf("creating vault directory: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}

	shards, err := Split(key, v.tuning.ShardCount)
	if err != nil {
		return err
	}
	for i, shard := range shards {
		path := v.shardPath(i)
		if err := os.WriteFile(path, []byte(hex.EncodeToString(shard)), 0o600); err != nil {
			return fmt.Errorf("writing shard %d: %w", i, err)
		}
	}

	sum := sha256.Sum256(key)
	manifest := Manifest{
		ShardCount:     v.tuning.ShardCount,
		ThresholdCount: v.tuning.ThresholdCount,
		KeyChecksum:    hex.EncodeToString(sum[:]),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.dir, manifestName), data, 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	v.log.Infof("Vault initialized with %d key shards", v.tuning.ShardCount)
	return nil
}

// loadKey reconstructs and verifies the master key from the on-disk shards.
func (v *Vault) loadKey() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(v.dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	shards := make([][]byte, manifest.ShardCount)
	for i := range shards {
		raw, err := os.ReadFile(v.shardPath(i))
		if err != nil {
			return nil, fmt.Errorf("reading shard %d: %w", i, err)
		}
		shard, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding shard %d: %w", i, err)
		}
		shards[i] = shard
	}

	key, err := Join(shards)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(key)
	if hex.EncodeToString(sum[:]) != manifest.KeyChecksum {
		return nil, fmt.Errorf("reconstructed key failed checksum verification")
	}
	return key, nil
}

// SealAll encrypts every named secret and writes it under the vault
// directory. When the tuning allows parallelism, secrets are sealed by a
// bounded worker pool; the first error wins and fails the whole batch.
func (v *Vault) SealAll(ctx context.Context, secrets map[string]string) error {
	key, err := v.loadKey()
	if err != nil {
		return err
	}

	workers := 1
	if v.tuning.ParallelAllowed && len(secrets) > 1 {
		workers = v.tuning.ThreadPoolSize
		if workers > len(secrets) {
			workers = len(secrets)
		}
	}

	// The job channel is buffered for the whole batch and filled before the
	// workers start, so a worker that bails out early can never strand the
	// producer on a blocked send.
	type job struct{ name, value string }
	jobs := make(chan job, len(secrets))
	for name, value := range secrets {
		jobs <- job{name, value}
	}
	close(jobs)

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					errs <- err
					return
				}
				if err := v.seal(key, j.name, j.value); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return fmt.Errorf("sealing secrets: %w", err)
		}
	}
	v.log.Infof("Sealed %d secrets with %d workers", len(secrets), workers)
	return nil
}

// Open decrypts one named secret.
func (v *Vault) Open(name string) (string, error) {
	key, err := v.loadKey()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(v.secretPath(name))
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return "", fmt.Errorf("decoding secret %s: %w", name, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("secret %s is truncated", name)
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return "", fmt.Errorf("decrypting secret %s: %w", name, err)
	}
	return string(plain), nil
}

func (v *Vault) seal(key []byte, name, value string) error {
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), []byte(name))
	path := v.secretPath(name)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(sealed)), 0o600); err != nil {
		return fmt.Errorf("writing secret %s: %w", name, err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return gcm, nil
}

func (v *Vault) shardPath(i int) string {
	return filepath.Join(v.dir, fmt.Sprintf("shard-%02d.key", i))
}

func (v *Vault) secretPath(name string) string {
	return filepath.Join(v.dir, name+".sealed")
}
