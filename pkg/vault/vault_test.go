package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
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

func TestSplitJoinRoundTrip(t *testing.T) {
	secret := []byte("a very important master key value")
	for _, n := range []int{2, 3, 5, 7} {
		shards, err := Split(secret, n)
		if err != nil {
			t.Fatalf("Split(n=%d): %v", n, err)
		}
		if len(shards) != n {
			t.Fatalf("got %d shards, want %d", len(shards), n)
		}
		got, err := Join(shards)
		if err != nil {
			t.Fatalf("Join(n=%d): %v", n, err)
		}
		if !bytes.Equal(got, secret) {
			t.Errorf("Join(n=%d) did not reconstruct the secret", n)
		}
	}
}

func TestJoinRejectsPartialShards(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	shards, err := Split(secret, 4)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	// Dropping a shard must not silently yield the secret.
	got, err := Join(shards[:3])
	if err == nil && bytes.Equal(got, secret) {
		t.Fatal("partial shard set reconstructed the secret")
	}
}

func TestJoinRejectsMismatchedLengths(t *testing.T) {
	if _, err := Join([][]byte{{1, 2, 3}, {1, 2}}); err == nil {
		t.Fatal("expected error for mismatched shard lengths")
	}
	if _, err := Join([][]byte{{1, 2, 3}}); err == nil {
		t.Fatal("expected error for a single shard")
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	if _, err := Split(nil, 3); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := Split([]byte("x"), 1); err == nil {
		t.Fatal("expected error for shard count below 2")
	}
}

func testTuning() sysinfo.Tuning {
	return sysinfo.Tuning{
		ThreadPoolSize:  4,
		ShardCount:      3,
		ThresholdCount:  2,
		ParallelAllowed: true,
	}
}

func TestVaultSealOpen(t *testing.T) {
	v := New(t.TempDir(), testTuning(), testLogger(t))
	if err := v.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !v.Initialized() {
		t.Fatal("vault not reported as initialized")
	}

	secrets := map[string]string{
		"turn_secret":   "turn-value",
		"cf_api_token":  "cf-value",
		"signing_key":   "signing-value",
		"registration":  "registration-value",
		"database_pass": "db-value",
	}
	if err := v.SealAll(context.Background(), secrets); err != nil {
		t.Fatalf("SealAll: %v", err)
	}

	for name, want := range secrets {
		got, err := v.Open(name)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		if got != want {
			t.Errorf("Open(%s) = %q, want %q", name, got, want)
		}
	}
}

func TestVaultSealSerial(t *testing.T) {
	tuning := testTuning()
	tuning.ParallelAllowed = false

	v := New(t.TempDir(), tuning, testLogger(t))
	if err := v.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	secrets := map[string]string{"a": "1", "b": "2"}
	if err := v.SealAll(context.Background(), secrets); err != nil {
		t.Fatalf("SealAll: %v", err)
	}
	if got, err := v.Open("b"); err != nil || got != "2" {
		t.Errorf("Open(b) = %q, %v", got, err)
	}
}

func TestSealAllReturnsOnCancelledContext(t *testing.T) {
	// A cancelled context makes workers bail out before draining the batch.
	// SealAll must still return promptly instead of blocking on job handoff.
	tuning := testTuning()
	tuning.ParallelAllowed = false

	v := New(t.TempDir(), tuning, testLogger(t))
	if err := v.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- v.SealAll(ctx, map[string]string{"a": "1", "b": "2", "c": "3"})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("SealAll = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SealAll did not return after context cancellation")
	}
}

func TestVaultRefusesReinitialize(t *testing.T) {
	v := New(t.TempDir(), testTuning(), testLogger(t))
	if err := v.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := v.Initialize(); err == nil {
		t.Fatal("expected error re-initializing an existing vault")
	}
}

func TestVaultDetectsCorruptShard(t *testing.T) {
	v := New(t.TempDir(), testTuning(), testLogger(t))
	if err := v.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := v.SealAll(context.Background(), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SealAll: %v", err)
	}

	// Corrupt one shard; the checksum check must reject the key.
	if err := os.WriteFile(v.shardPath(0), []byte("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"), 0o600); err != nil {
		t.Fatalf("corrupting shard: %v", err)
	}
	if _, err := v.Open("k"); err == nil {
		t.Fatal("expected error opening with a corrupt shard")
	}
}

func TestOpenWrongName(t *testing.T) {
	v := New(t.TempDir(), testTuning(), testLogger(t))
	if err := v.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := v.SealAll(context.Background(), map[string]string{"real": "value"}); err != nil {
		t.Fatalf("SealAll: %v", err)
	}
	if _, err := v.Open("missing"); err == nil {
		t.Fatal("expected error for unknown secret")
	}
}
