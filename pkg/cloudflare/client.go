// Package cloudflare is a narrow client for the Cloudflare v4 API covering
// only what the network phase needs: zone lookup, DNS record upserts, and
// record deletion for rollback.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Record is a DNS record as the network phase manages it.
type Record struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

// Client talks to the Cloudflare API with token authentication.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        *telemetry.Logger
}

// NewClient creates a client using the given API token.
func NewClient(token string, log *telemetry.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		log:        log.NewComponentLogger("cloudflare"),
	}
}

// envelope is the common Cloudflare API response wrapper.
type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

func (e *envelope) err() error {
	if e.Success {
		return nil
	}
	if len(e.Errors) > 0 {
		return fmt.Errorf("cloudflare API error %d: %s", e.Errors[0].Code, e.Errors[0].Message)
	}
	return fmt.Errorf("cloudflare API request failed")
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling cloudflare API: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if err := env.err(); err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

// ZoneID resolves the zone identifier for a domain.
func (c *Client) ZoneID(ctx context.Context, domain string) (string, error) {
	var zones []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	path := "/zones?name=" + url.QueryEscape(domain)
	if err := c.do(ctx, http.MethodGet, path, nil, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", fmt.Errorf("no cloudflare zone found for %s", domain)
	}
	return zones[0].ID, nil
}

// UpsertRecord creates the record, or updates it in place when a record of
// the same type and name already exists. The returned bool is true when a
// new record was created rather than an existing one updated.
func (c *Client) UpsertRecord(ctx context.Context, zoneID string, rec Record) (bool, error) {
	var existing []struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/zones/%s/dns_records?type=%s&name=%s",
		zoneID, url.QueryEscape(rec.Type), url.QueryEscape(rec.Name))
	if err := c.do(ctx, http.MethodGet, path, nil, &existing); err != nil {
		return false, err
	}

	if len(existing) > 0 {
		c.log.Debugf("Updating DNS record %s %s", rec.Type, rec.Name)
		return false, c.do(ctx, http.MethodPut,
			fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, existing[0].ID), rec, nil)
	}

	c.log.Debugf("Creating DNS record %s %s", rec.Type, rec.Name)
	return true, c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zoneID), rec, nil)
}

// DeleteRecord removes the record matching type and name. A record that no
// longer exists is not an error.
func (c *Client) DeleteRecord(ctx context.Context, zoneID, recordType, name string) error {
	var existing []struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/zones/%s/dns_records?type=%s&name=%s",
		zoneID, url.QueryEscape(recordType), url.QueryEscape(name))
	if err := c.do(ctx, http.MethodGet, path, nil, &existing); err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}

	c.log.Debugf("Deleting DNS record %s %s", recordType, name)
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, existing[0].ID), nil, nil)
}
