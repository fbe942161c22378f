package phases

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/cloudflare"
)

// dnsClient is the slice of the Cloudflare API the phase needs.
type dnsClient interface {
	ZoneID(ctx context.Context, domain string) (string, error)
	UpsertRecord(ctx context.Context, zoneID string, rec cloudflare.Record) (bool, error)
	DeleteRecord(ctx context.Context, zoneID, recordType, name string) error
}

// NetworkPhase publishes DNS for the server. With Cloudflare credentials it
// manages the records directly; without them it reports what to create.
type NetworkPhase struct {
	basePhase

	// newDNS builds the DNS client; tests substitute a fake.
	newDNS func(env *Env) dnsClient

	// detectIP resolves the public address when server_ip is not set.
	detectIP func(ctx context.Context) (string, error)

	// zoneID and created track what Execute changed so Rollback removes
	// only records this run created, never pre-existing ones it updated.
	zoneID  string
	created []cloudflare.Record
}

// NewNetworkPhase creates the phase.
func NewNetworkPhase() *NetworkPhase {
	return &NetworkPhase{
		basePhase: basePhase{
			name:        "network",
			description: "Publish DNS records for the Matrix server",
			required:    true,
		},
		newDNS: func(env *Env) dnsClient {
			return cloudflare.NewClient(env.Config.GetString("cloudflare.api_token", ""), env.Log)
		},
		detectIP: detectPublicIP,
	}
}

// CheckPrerequisites requires the server identity to be configured.
func (p *NetworkPhase) CheckPrerequisites(_ context.Context, env *Env) error {
	if env.Config.GetString("matrix_server_name", "") == "" {
		return fmt.Errorf("matrix_server_name is not configured")
	}
	if env.Config.GetString("matrix_domain", "") == "" {
		return fmt.Errorf("matrix_domain is not configured")
	}
	return nil
}

func (p *NetworkPhase) Execute(ctx context.Context, env *Env) Outcome {
	serverName := env.Config.GetString("matrix_server_name", "")
	domain := env.Config.GetString("matrix_domain", "")

	ip := env.Config.GetString("server_ip", "")
	if ip == "" {
		detected, err := p.detectIP(ctx)
		if err != nil {
			return RecoverableFailure(fmt.Sprintf("could not detect public IP: %v", err))
		}
		ip = detected
		if err := env.Config.Set("server_ip", ip); err != nil {
			return Fatal(NewIOError("persisting detected server IP", err))
		}
		env.Log.Infof("Detected public IP %s", ip)
	}

	records := []cloudflare.Record{
		{Type: "A", Name: serverName, Content: ip, TTL: 300},
		{Type: "A", Name: "turn." + domain, Content: ip, TTL: 300},
	}

	if env.Config.GetString("cloudflare.api_token", "") == "" {
		for _, r := range records {
			env.Log.Warnf("Cloudflare not configured, create this record manually: %s %s -> %s",
				r.Type, r.Name, r.Content)
		}
		return Success()
	}

	dns := p.newDNS(env)
	zoneID, err := dns.ZoneID(ctx, domain)
	if err != nil {
		return RecoverableFailure(fmt.Sprintf("resolving cloudflare zone for %s: %v", domain, err))
	}
	p.zoneID = zoneID
	for _, r := range records {
		created, err := dns.UpsertRecord(ctx, zoneID, r)
		if err != nil {
			return RecoverableFailure(fmt.Sprintf("publishing %s record for %s: %v", r.Type, r.Name, err))
		}
		if created {
			p.created = append(p.created, r)
		}
		env.Log.Infof("Published DNS record %s %s -> %s", r.Type, r.Name, r.Content)
	}
	return Success()
}

// Rollback deletes the DNS records this run created. Records that already
// existed and were only updated are left in place.
func (p *NetworkPhase) Rollback(ctx context.Context, env *Env) error {
	if p.zoneID == "" || len(p.created) == 0 {
		return nil
	}

	dns := p.newDNS(env)
	var lastErr error
	for _, r := range p.created {
		if err := dns.DeleteRecord(ctx, p.zoneID, r.Type, r.Name); err != nil {
			env.Log.WithError(err).Warnf("Could not delete DNS record %s %s", r.Type, r.Name)
			lastErr = err
			continue
		}
		env.Log.Infof("Deleted DNS record %s %s", r.Type, r.Name)
	}
	return lastErr
}

// detectPublicIP asks a public echo service for the caller's address.
func detectPublicIP(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("echo service returned %q, not an IP", ip)
	}
	return ip, nil
}
