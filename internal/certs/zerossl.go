// Package certs generates key material and requests certificates from
// ZeroSSL.
package certs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.zerossl.com"

// DefaultValidityDays is the only validity window requested by this service.
const DefaultValidityDays = 90

type ZeroSSL struct {
	baseURL   string
	accessKey string
	client    *http.Client
}

type Option func(*ZeroSSL)

// WithBaseURL overrides the API root. An empty u keeps the default.
func WithBaseURL(u string) Option {
	return func(z *ZeroSSL) {
		if u != "" {
			z.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(c *http.Client) Option { return func(z *ZeroSSL) { z.client = c } }

func NewZeroSSL(accessKey string, opts ...Option) *ZeroSSL {
	z := &ZeroSSL{
		baseURL:   DefaultBaseURL,
		accessKey: accessKey,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

// Certificate is the authority's view of a requested certificate.
type Certificate struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CommonName string `json:"common_name"`
	Expires    string `json:"expires"`
}

type apiError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
	Info string `json:"info"`
}

func (e *apiError) Error() string {
	if e.Info != "" {
		return fmt.Sprintf("zerossl error %d (%s): %s", e.Code, e.Type, e.Info)
	}
	return fmt.Sprintf("zerossl error %d (%s)", e.Code, e.Type)
}

// ValidateCSR asks the authority whether csr is acceptable.
func (z *ZeroSSL) ValidateCSR(ctx context.Context, csr []byte) error {
	var out struct {
		Valid bool      `json:"valid"`
		Error *apiError `json:"error"`
	}
	if err := z.post(ctx, "/validation/csr", url.Values{"csr": {string(csr)}}, &out); err != nil {
		return err
	}
	if !out.Valid {
		if out.Error != nil {
			return fmt.Errorf("invalid csr: %w", out.Error)
		}
		return fmt.Errorf("invalid csr")
	}
	return nil
}

// CreateCertificate drafts a certificate restricted to exactly domains.
func (z *ZeroSSL) CreateCertificate(ctx context.Context, csr []byte, domains []string, validityDays int) (Certificate, error) {
	form := url.Values{
		"certificate_domains":       {strings.Join(domains, ",")},
		"certificate_csr":           {string(csr)},
		"certificate_validity_days": {strconv.Itoa(validityDays)},
		"strict_domains":            {"1"},
	}
	var out struct {
		Certificate
		Success *bool     `json:"success"`
		Error   *apiError `json:"error"`
	}
	if err := z.post(ctx, "/certificates", form, &out); err != nil {
		return Certificate{}, err
	}
	if out.Error != nil {
		return Certificate{}, fmt.Errorf("cannot create a new certificate: %w", out.Error)
	}
	if out.ID == "" {
		return Certificate{}, fmt.Errorf("cannot create a new certificate: empty response")
	}
	return out.Certificate, nil
}

func (z *ZeroSSL) post(ctx context.Context, path string, form url.Values, out any) error {
	u := z.baseURL + path + "?" + url.Values{"access_key": {z.accessKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := z.client.Do(req)
	if err != nil {
		return fmt.Errorf("zerossl request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("zerossl HTTP %d error: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode zerossl response: %w", err)
	}
	return nil
}
