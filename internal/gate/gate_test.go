package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"deployd/internal/domain"
)

type fakeResolver struct {
	addrs   map[string][]string
	err     error
	queries []string
}

func (f *fakeResolver) ResolveA(_ context.Context, name string) ([]string, error) {
	f.queries = append(f.queries, name)
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[name], nil
}

func TestCheckEmptyConditionSkipsLookup(t *testing.T) {
	r := &fakeResolver{}
	for _, c := range []*domain.Condition{nil, {}, {Domain: "a.example.com"}} {
		if err := Check(context.Background(), r, c); err != nil {
			t.Fatalf("condition %+v: unexpected error %v", c, err)
		}
	}
	if len(r.queries) != 0 {
		t.Fatalf("resolver should not be called, got %v", r.queries)
	}
}

func TestCheckMatch(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]string{"n1.example.com": {"1.1.1.1", "5.6.7.8"}}}
	err := Check(context.Background(), r, &domain.Condition{Domain: "N1.example.com", Target: "5.6.7.8"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.queries[0] != "n1.example.com" {
		t.Fatalf("domain should be lowercased, queried %q", r.queries[0])
	}
}

func TestCheckMismatch(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]string{"n1.example.com": {"9.9.9.9"}}}
	err := Check(context.Background(), r, &domain.Condition{Domain: "n1.example.com", Target: "5.6.7.8"})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !strings.Contains(err.Error(), "should be resolved to 5.6.7.8") || !strings.Contains(err.Error(), "9.9.9.9") {
		t.Fatalf("unexpected message: %v", err)
	}
	if errors.Is(err, domain.ErrInvalidTask) {
		t.Fatal("mismatch must stay retryable")
	}
}

func TestCheckLookupError(t *testing.T) {
	lookupErr := errors.New("SERVFAIL")
	r := &fakeResolver{err: lookupErr}
	err := Check(context.Background(), r, &domain.Condition{Domain: "n1.example.com", Target: "5.6.7.8"})
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected wrapped lookup error, got %v", err)
	}
}
