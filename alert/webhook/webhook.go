// Package webhook provides an AlertDispatcher that delivers usage alerts to
// an HTTP endpoint as JSON. Delivery is at-least-once: the metering ledger
// never blocks on alert failures, so receivers should tolerate duplicates.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crmforge/metering/pkg/metering"
)

// Dispatcher delivers alerts to a webhook endpoint.
type Dispatcher struct {
	url    string
	client *http.Client
	header http.Header
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithHeader adds a static header to every delivery, e.g. an auth token.
func WithHeader(key, value string) Option {
	return func(d *Dispatcher) {
		d.header.Set(key, value)
	}
}

// New creates a webhook dispatcher posting to url.
func New(url string, opts ...Option) (*Dispatcher, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	d := &Dispatcher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// payload is the wire form of an alert delivery.
type payload struct {
	Kind         string    `json:"kind"`
	CompanyID    string    `json:"companyId"`
	TenantID     string    `json:"tenantId"`
	Resource     string    `json:"resource"`
	CurrentValue int64     `json:"currentValue"`
	MaxValue     int64     `json:"maxValue"`
	Amount       int64     `json:"amount,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

// DispatchAlert implements metering.AlertDispatcher.
func (d *Dispatcher) DispatchAlert(ctx context.Context, alert metering.Alert) error {
	body, err := json.Marshal(payload{
		Kind:         string(alert.Kind),
		CompanyID:    alert.CompanyID,
		TenantID:     alert.TenantID,
		Resource:     string(alert.Resource),
		CurrentValue: alert.CurrentValue,
		MaxValue:     alert.MaxValue,
		Amount:       alert.Amount,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range d.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
	return nil
}
