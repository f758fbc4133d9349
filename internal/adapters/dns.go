package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DNSRecordType enumerates the record kinds the DNS step is allowed to
// create. Unsupported types are rejected by AddRecord before any network
// call is made.
type DNSRecordType string

const (
	DNSRecordA     DNSRecordType = "A"
	DNSRecordAAAA  DNSRecordType = "AAAA"
	DNSRecordCNAME DNSRecordType = "CNAME"
	DNSRecordMX    DNSRecordType = "MX"
	DNSRecordTXT   DNSRecordType = "TXT"
	DNSRecordNS    DNSRecordType = "NS"
	DNSRecordSRV   DNSRecordType = "SRV"
	DNSRecordCAA   DNSRecordType = "CAA"
)

// DNSRecord describes a single record to add to a zone.
type DNSRecord struct {
	Type    DNSRecordType
	Name    string
	Content string
	TTL     int
}

// DNSZoneResult is what the DNS provider reports back once a zone exists.
type DNSZoneResult struct {
	ZoneID string
}

// DNSAdapter manages zones and records for a provisioned domain. Every
// mutating call takes the step's idemKey so a retried call is recognized
// rather than duplicating the zone or record.
type DNSAdapter interface {
	CreateZone(ctx context.Context, domain string, nameservers []string, idemKey string) (*DNSZoneResult, error)
	AddRecord(ctx context.Context, zoneID string, record DNSRecord, idemKey string) error
	DeleteZone(ctx context.Context, zoneID, idemKey string) error
}

type dnsAdapter struct {
	client  *HTTPClient
	breaker *gobreaker.CircuitBreaker
}

// NewDNSAdapter builds the DNS adapter.
func NewDNSAdapter(baseURL, token string, breakerMaxRequests uint32, breakerInterval, breakerTimeout time.Duration, logger *zap.Logger) DNSAdapter {
	client := NewHTTPClient(ClientConfig{BaseURL: baseURL, Token: token}, logger)
	breaker := NewBreaker("dns", breakerMaxRequests, breakerInterval, breakerTimeout, logger)
	return &dnsAdapter{client: client, breaker: breaker}
}

func (a *dnsAdapter) CreateZone(ctx context.Context, domain string, nameservers []string, idemKey string) (*DNSZoneResult, error) {
	req := map[string]interface{}{"domain": domain, "nameservers": nameservers}
	var result DNSZoneResult
	err := guard(a.breaker, func() error {
		return a.client.Do(ctx, "POST", "/zones", idemKey, req, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *dnsAdapter) AddRecord(ctx context.Context, zoneID string, record DNSRecord, idemKey string) error {
	switch record.Type {
	case DNSRecordA, DNSRecordAAAA, DNSRecordCNAME, DNSRecordMX, DNSRecordTXT, DNSRecordNS, DNSRecordSRV, DNSRecordCAA:
	default:
		return &AdapterError{Kind: Fatal, Message: fmt.Sprintf("unsupported DNS record type %q", record.Type)}
	}
	return guard(a.breaker, func() error {
		return a.client.Do(ctx, "POST", fmt.Sprintf("/zones/%s/records", zoneID), idemKey, record, nil)
	})
}

func (a *dnsAdapter) DeleteZone(ctx context.Context, zoneID, idemKey string) error {
	return guard(a.breaker, func() error {
		return a.client.Do(ctx, "DELETE", fmt.Sprintf("/zones/%s", zoneID), idemKey, nil, nil)
	})
}
