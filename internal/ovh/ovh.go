// Package ovh manages DNS zone records through the OVH API.
package ovh

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ovh/go-ovh/ovh"
)

type Config struct {
	Endpoint    string
	AppKey      string
	AppSecret   string
	ConsumerKey string
}

type Provider struct {
	client *ovh.Client
}

func New(cfg Config) (*Provider, error) {
	client, err := ovh.NewClient(cfg.Endpoint, cfg.AppKey, cfg.AppSecret, cfg.ConsumerKey)
	if err != nil {
		return nil, fmt.Errorf("ovh client: %w", err)
	}
	return &Provider{client: client}, nil
}

type recordRequest struct {
	FieldType string `json:"fieldType"`
	SubDomain string `json:"subDomain"`
	Target    string `json:"target"`
}

type Record struct {
	ID        int64  `json:"id"`
	Zone      string `json:"zone"`
	FieldType string `json:"fieldType"`
	SubDomain string `json:"subDomain"`
	Target    string `json:"target"`
	TTL       int    `json:"ttl"`
}

// CreateRecord adds a record to zone. API errors are returned as *ovh.APIError.
func (p *Provider) CreateRecord(ctx context.Context, zone, recordType, subDomain, target string) error {
	var rec Record
	path := fmt.Sprintf("/domain/zone/%s/record", url.PathEscape(zone))
	return p.client.PostWithContext(ctx, path, recordRequest{
		FieldType: recordType,
		SubDomain: subDomain,
		Target:    target,
	}, &rec)
}

func (p *Provider) RefreshZone(ctx context.Context, zone string) error {
	path := fmt.Sprintf("/domain/zone/%s/refresh", url.PathEscape(zone))
	return p.client.PostWithContext(ctx, path, nil, nil)
}
