// Package resolver looks up A records directly against a chosen nameserver,
// bypassing the local stub resolver cache so that DNS propagation checks see
// fresh answers.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const DefaultNameserver = "1.1.1.1:53"

type Resolver struct {
	nameserver string
	client     *dns.Client
}

func New(nameserver string, timeout time.Duration) *Resolver {
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// ResolveA returns the IPv4 addresses domain resolves to. A CNAME chain is
// followed as far as the nameserver answers it in one response.
func (r *Resolver) ResolveA(ctx context.Context, domain string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(strings.ToLower(domain)), dns.TypeA)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", domain, err)
	}
	if in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
		if in, _, err = tcp.ExchangeContext(ctx, m, r.nameserver); err != nil {
			return nil, fmt.Errorf("resolve %s over tcp: %w", domain, err)
		}
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolve %s: %s", domain, dns.RcodeToString[in.Rcode])
	}

	var addrs []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no A records", domain)
	}
	return addrs, nil
}
