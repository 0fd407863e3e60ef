// Package gate evaluates a job's condition_to_start before its handler runs.
package gate

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"deployd/internal/domain"
)

type Resolver interface {
	ResolveA(ctx context.Context, domain string) ([]string, error)
}

// Check passes when c is empty or c.Domain resolves to c.Target. Every
// failure is retryable: the worker re-runs the job after its backoff, which
// turns the gate into a DNS propagation poll.
func Check(ctx context.Context, r Resolver, c *domain.Condition) error {
	if c.Empty() {
		return nil
	}
	if r == nil {
		return fmt.Errorf("condition to start: no resolver configured")
	}
	name := strings.ToLower(c.Domain)
	zerolog.Ctx(ctx).Info().
		Str("domain", name).
		Str("target", c.Target).
		Msg("checking A record before start")

	addrs, err := r.ResolveA(ctx, name)
	if err != nil {
		return fmt.Errorf("condition to start: %w", err)
	}
	if slices.Contains(addrs, c.Target) {
		zerolog.Ctx(ctx).Info().Str("domain", name).Strs("addresses", addrs).Msg("condition to start fulfilled")
		return nil
	}
	return fmt.Errorf("no required A record is found: domain %s should be resolved to %s, got %s",
		c.Domain, c.Target, strings.Join(addrs, ","))
}
