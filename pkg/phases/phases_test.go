package phases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pqmatrix/pqmatrix/pkg/cloudflare"
	"github.com/pqmatrix/pqmatrix/pkg/runner"
	"github.com/pqmatrix/pqmatrix/pkg/sysinfo"
)

func TestDefaultRegistryOrder(t *testing.T) {
	want := []string{"prerequisites", "docker", "network", "matrix", "security", "backup", "finalize"}
	reg := DefaultRegistry()
	if len(reg) != len(want) {
		t.Fatalf("registry has %d phases, want %d", len(reg), len(want))
	}
	for i, p := range reg {
		if p.Name() != want[i] {
			t.Errorf("phase %d = %q, want %q", i, p.Name(), want[i])
		}
	}
	// Only backup and finalize may fail without aborting an install.
	for _, p := range reg {
		optional := p.Name() == "backup" || p.Name() == "finalize"
		if p.Required() == optional {
			t.Errorf("phase %s required = %v", p.Name(), p.Required())
		}
	}
}

type fakeChecker struct {
	results []sysinfo.CheckResult
	ok      bool
}

func (f *fakeChecker) CheckAll() ([]sysinfo.CheckResult, bool) { return f.results, f.ok }

func TestPrerequisitesPhase(t *testing.T) {
	env := testEnv(t)
	p := NewPrerequisitesPhase()

	p.newChecker = func(*Env) prereqChecker {
		return &fakeChecker{ok: true, results: []sysinfo.CheckResult{{Name: "os", Passed: true}}}
	}
	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Errorf("expected success, got %+v", out)
	}

	p.newChecker = func(*Env) prereqChecker {
		return &fakeChecker{ok: false, results: []sysinfo.CheckResult{
			{Name: "os", Passed: true},
			{Name: "memory", Passed: false, Message: "only 1 GB"},
		}}
	}
	out := p.Execute(context.Background(), env)
	if !out.IsFatal() {
		t.Fatalf("expected fatal outcome, got %+v", out)
	}
	if !IsPrereq(out.Err()) {
		t.Errorf("error class = %v, want prereq", out.Err())
	}
}

type fakeDNS struct {
	zoneID   string
	zoneErr  error
	records  []cloudflare.Record
	upErr    error
	existing map[string]bool
	deleted  []string
}

func (f *fakeDNS) ZoneID(_ context.Context, _ string) (string, error) {
	return f.zoneID, f.zoneErr
}

func (f *fakeDNS) UpsertRecord(_ context.Context, _ string, rec cloudflare.Record) (bool, error) {
	f.records = append(f.records, rec)
	return !f.existing[rec.Name], f.upErr
}

func (f *fakeDNS) DeleteRecord(_ context.Context, _ string, _, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func networkEnv(t *testing.T) *Env {
	env := testEnv(t)
	seed := map[string]string{
		"matrix_server_name": "matrix.example.com",
		"matrix_domain":      "example.com",
	}
	for k, v := range seed {
		if err := env.Config.Set(k, v); err != nil {
			t.Fatalf("seeding config: %v", err)
		}
	}
	return env
}

func TestNetworkPhasePublishesRecords(t *testing.T) {
	env := networkEnv(t)
	if err := env.Config.Set("cloudflare.api_token", "tok-1234567890"); err != nil {
		t.Fatalf("seeding token: %v", err)
	}

	dns := &fakeDNS{zoneID: "zone-1"}
	p := NewNetworkPhase()
	p.newDNS = func(*Env) dnsClient { return dns }
	p.detectIP = func(context.Context) (string, error) { return "203.0.113.7", nil }

	if err := p.CheckPrerequisites(context.Background(), env); err != nil {
		t.Fatalf("CheckPrerequisites: %v", err)
	}
	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	if len(dns.records) != 2 {
		t.Fatalf("published %d records, want 2", len(dns.records))
	}
	if dns.records[0].Name != "matrix.example.com" || dns.records[0].Content != "203.0.113.7" {
		t.Errorf("first record = %+v", dns.records[0])
	}
	if dns.records[1].Name != "turn.example.com" {
		t.Errorf("second record = %+v", dns.records[1])
	}

	// The detected IP is persisted for later phases.
	if got := env.Config.GetString("server_ip", ""); got != "203.0.113.7" {
		t.Errorf("server_ip = %q", got)
	}
}

func TestNetworkPhaseRollbackDeletesCreatedRecords(t *testing.T) {
	env := networkEnv(t)
	if err := env.Config.Set("cloudflare.api_token", "tok-1234567890"); err != nil {
		t.Fatalf("seeding token: %v", err)
	}

	// The server name record already exists; only the turn record is new.
	dns := &fakeDNS{zoneID: "zone-1", existing: map[string]bool{"matrix.example.com": true}}
	p := NewNetworkPhase()
	p.newDNS = func(*Env) dnsClient { return dns }
	p.detectIP = func(context.Context) (string, error) { return "203.0.113.7", nil }

	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	if err := p.Rollback(context.Background(), env); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if len(dns.deleted) != 1 || dns.deleted[0] != "turn.example.com" {
		t.Errorf("deleted = %v, want only the record this run created", dns.deleted)
	}
}

func TestNetworkPhaseWithoutCloudflare(t *testing.T) {
	env := networkEnv(t)
	p := NewNetworkPhase()
	p.detectIP = func(context.Context) (string, error) { return "203.0.113.7", nil }
	p.newDNS = func(*Env) dnsClient {
		t.Fatal("DNS client built without credentials")
		return nil
	}

	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Errorf("expected success without cloudflare, got %+v", out)
	}
}

func TestNetworkPhaseDetectFailureIsRecoverable(t *testing.T) {
	env := networkEnv(t)
	p := NewNetworkPhase()
	p.detectIP = func(context.Context) (string, error) { return "", errors.New("offline") }

	if out := p.Execute(context.Background(), env); !out.IsRecoverable() {
		t.Errorf("expected recoverable failure, got %+v", out)
	}
}

func TestNetworkPhasePrereqNeedsIdentity(t *testing.T) {
	env := testEnv(t)
	p := NewNetworkPhase()
	if err := p.CheckPrerequisites(context.Background(), env); err == nil {
		t.Error("expected prerequisite error without server identity")
	}
}

func TestDockerPhasePrereq(t *testing.T) {
	env := testEnv(t)
	p := NewDockerPhase()

	p.lookPath = func(file string) (string, error) {
		if file == "docker" {
			return "/usr/bin/docker", nil
		}
		return "", errors.New("not found")
	}
	if err := p.CheckPrerequisites(context.Background(), env); err != nil {
		t.Errorf("CheckPrerequisites with docker: %v", err)
	}

	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if err := p.CheckPrerequisites(context.Background(), env); err == nil {
		t.Error("expected prerequisite error with nothing installed")
	}
}

type fakeUploader struct {
	connectErr error
	uploads    []string
	closed     bool
}

func (f *fakeUploader) Connect(context.Context) error { return f.connectErr }
func (f *fakeUploader) Upload(_ context.Context, _, remotePath string) error {
	f.uploads = append(f.uploads, remotePath)
	return nil
}
func (f *fakeUploader) Close() error { f.closed = true; return nil }

func backupEnv(t *testing.T) *Env {
	env := testEnv(t)
	env.Tuning = sysinfo.Tuning{CompressionLevel: 1}
	for k, v := range map[string]string{
		"backup.remote": "backup@storage.example.com",
		"backup.path":   "/backups/matrix",
	} {
		if err := env.Config.Set(k, v); err != nil {
			t.Fatalf("seeding config: %v", err)
		}
	}
	return env
}

func TestBackupPhaseUploadsArchive(t *testing.T) {
	env := backupEnv(t)
	up := &fakeUploader{}
	p := NewBackupPhase()
	p.newUploader = func(*Env) (uploader, error) { return up, nil }

	if err := p.CheckPrerequisites(context.Background(), env); err != nil {
		t.Fatalf("CheckPrerequisites: %v", err)
	}
	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	if len(up.uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(up.uploads))
	}
	if filepath.Dir(up.uploads[0]) != "/backups/matrix" {
		t.Errorf("uploaded to %q", up.uploads[0])
	}
	if !up.closed {
		t.Error("transport not closed")
	}

	// Cleanup removes the local archive.
	if p.archivePath == "" {
		t.Fatal("archive path not recorded")
	}
	archive := p.archivePath
	if err := p.Cleanup(context.Background(), env); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Error("local archive not removed by cleanup")
	}
}

func TestBackupPhaseConnectFailureIsRecoverable(t *testing.T) {
	env := backupEnv(t)
	p := NewBackupPhase()
	p.newUploader = func(*Env) (uploader, error) {
		return &fakeUploader{connectErr: fmt.Errorf("host unreachable")}, nil
	}

	if out := p.Execute(context.Background(), env); !out.IsRecoverable() {
		t.Errorf("expected recoverable failure, got %+v", out)
	}
}

func TestBackupPhasePrereqNeedsRemote(t *testing.T) {
	env := testEnv(t)
	p := NewBackupPhase()
	if err := p.CheckPrerequisites(context.Background(), env); err == nil {
		t.Error("expected prerequisite error without backup.remote")
	}
}

func TestSecurityPhaseSealsSecrets(t *testing.T) {
	env := testEnv(t)
	env.Tuning = sysinfo.Tuning{ThreadPoolSize: 2, ShardCount: 3, ThresholdCount: 2}
	if err := env.Config.Set("turn.secret", "0123456789abcdef0123456789abcdef"); err != nil {
		t.Fatalf("seeding config: %v", err)
	}

	p := NewSecurityPhase()
	if err := p.CheckPrerequisites(context.Background(), env); err != nil {
		t.Fatalf("CheckPrerequisites: %v", err)
	}
	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	// The vault and a generated registration secret must exist.
	if _, err := os.Stat(filepath.Join(env.StateDir, "vault", "manifest.json")); err != nil {
		t.Errorf("vault manifest missing: %v", err)
	}
	if env.Config.GetString("registration.shared_secret", "") == "" {
		t.Error("registration secret not generated")
	}

	// Rollback after a failed first run removes the vault it created.
	if err := p.Rollback(context.Background(), env); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.StateDir, "vault")); !os.IsNotExist(err) {
		t.Error("rollback did not remove the vault this run created")
	}
}

// fakeRunner records every command request and answers with a scripted
// result.
type fakeRunner struct {
	requests []runner.Request
	result   runner.Result
	err      error
}

func (f *fakeRunner) Run(_ context.Context, req runner.Request) (*runner.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func matrixEnv(t *testing.T) (*Env, *fakeRunner) {
	env := testEnv(t)
	run := &fakeRunner{}
	env.Runner = run
	for k, v := range map[string]string{
		"matrix_server_name": "matrix.example.com",
		"matrix_domain":      "example.com",
		"turn.secret":        "0123456789abcdef0123456789abcdef",
	} {
		if err := env.Config.Set(k, v); err != nil {
			t.Fatalf("seeding config: %v", err)
		}
	}
	return env, run
}

func TestMatrixPhasePrereq(t *testing.T) {
	env, _ := matrixEnv(t)
	p := NewMatrixPhase()

	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if err := p.CheckPrerequisites(context.Background(), env); err == nil {
		t.Error("expected prerequisite error without docker")
	}

	p.lookPath = func(string) (string, error) { return "/usr/bin/docker", nil }
	if err := p.CheckPrerequisites(context.Background(), env); err != nil {
		t.Errorf("CheckPrerequisites: %v", err)
	}

	bare := testEnv(t)
	if err := p.CheckPrerequisites(context.Background(), bare); err == nil {
		t.Error("expected prerequisite error without turn.secret")
	}
}

func TestMatrixPhaseRendersComposeAndStartsStack(t *testing.T) {
	env, run := matrixEnv(t)
	p := NewMatrixPhase()

	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	data, err := os.ReadFile(filepath.Join(env.StateDir, "matrix", "docker-compose.yml"))
	if err != nil {
		t.Fatalf("reading compose file: %v", err)
	}
	compose := string(data)
	for _, want := range []string{
		"SYNAPSE_SERVER_NAME: matrix.example.com",
		"--realm=example.com",
		"--static-auth-secret=0123456789abcdef0123456789abcdef",
	} {
		if !strings.Contains(compose, want) {
			t.Errorf("compose file missing %q", want)
		}
	}

	// The database password is generated once and persisted for re-runs.
	pw := env.Config.GetString("postgres.password", "")
	if pw == "" {
		t.Error("postgres password not persisted")
	}
	if !strings.Contains(compose, "POSTGRES_PASSWORD: "+pw) {
		t.Error("compose file does not use the persisted database password")
	}

	if len(run.requests) != 1 {
		t.Fatalf("got %d commands, want 1", len(run.requests))
	}
	req := run.requests[0]
	if req.Command != "docker" || len(req.Args) < 2 || req.Args[0] != "compose" || req.Args[1] != "up" {
		t.Errorf("started stack with %+v", req)
	}
}

func TestMatrixPhaseRollbackIsNoopBeforeWrite(t *testing.T) {
	env, run := matrixEnv(t)
	p := NewMatrixPhase()

	if err := p.Rollback(context.Background(), env); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(run.requests) != 0 {
		t.Errorf("rollback issued %d commands before anything was written", len(run.requests))
	}
}

func TestMatrixPhaseRollbackTearsDownWrittenStack(t *testing.T) {
	env, run := matrixEnv(t)
	p := NewMatrixPhase()

	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}
	run.requests = nil

	if err := p.Rollback(context.Background(), env); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(run.requests) != 1 || run.requests[0].Args[1] != "down" {
		t.Errorf("rollback commands = %+v, want compose down", run.requests)
	}
	composePath := filepath.Join(env.StateDir, "matrix", "docker-compose.yml")
	if _, err := os.Stat(composePath); !os.IsNotExist(err) {
		t.Error("compose file not removed by rollback")
	}
}

func finalizeEnv(t *testing.T) *Env {
	env := testEnv(t)
	env.Runner = &fakeRunner{result: runner.Result{ExitCode: 1}}
	return env
}

func TestFinalizePhaseHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := finalizeEnv(t)
	p := NewFinalizePhase()
	p.healthURL = srv.URL
	p.httpClient = srv.Client()

	if out := p.Execute(context.Background(), env); !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out)
	}

	data, err := os.ReadFile(filepath.Join(env.StateDir, "install-report.json"))
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var report struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if !report.Healthy {
		t.Error("report not marked healthy")
	}
}

func TestFinalizePhaseUnhealthyIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := finalizeEnv(t)
	p := NewFinalizePhase()
	p.healthURL = srv.URL
	p.httpClient = srv.Client()

	out := p.Execute(context.Background(), env)
	if !out.IsRecoverable() {
		t.Fatalf("expected recoverable failure, got %+v", out)
	}

	// The report is still written, recording the unhealthy state.
	data, err := os.ReadFile(filepath.Join(env.StateDir, "install-report.json"))
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var report struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Healthy {
		t.Error("report marked healthy despite failed probe")
	}
}
