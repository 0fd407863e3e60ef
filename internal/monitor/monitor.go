// Package monitor collects runtime stats from installed nodes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"deployd/internal/domain"
)

type Store interface {
	ListServers(ctx context.Context) ([]domain.Server, error)
	SetServerStats(ctx context.Context, id string, stats json.RawMessage) error
}

type Monitor struct {
	store    Store
	client   *http.Client
	statsURL func(s domain.Server) string
	parallel int
}

type Option func(*Monitor)

func WithHTTPClient(c *http.Client) Option { return func(m *Monitor) { m.client = c } }

// WithStatsURL overrides where a node's stats are fetched from.
func WithStatsURL(f func(s domain.Server) string) Option { return func(m *Monitor) { m.statsURL = f } }

func New(st Store, serverDomain string, opts ...Option) *Monitor {
	m := &Monitor{
		store:  st,
		client: &http.Client{Timeout: 15 * time.Second},
		statsURL: func(s domain.Server) string {
			return fmt.Sprintf("https://%s.%s/stats/%s", strings.ToLower(s.ID), serverDomain, s.HookKey)
		},
		parallel: 4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check fetches and stores stats for every installed server. Per-server
// failures are logged and do not fail the run.
func (m *Monitor) Check(ctx context.Context) error {
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)
	for _, s := range servers {
		if s.Status != domain.ServerProvisioned && s.Status != domain.ServerReady {
			continue
		}
		s := s
		g.Go(func() error {
			stats, err := m.fetch(ctx, s)
			if err != nil {
				log.Warn().Err(err).Str("server_id", s.ID).Msg("cannot get server stats")
				return nil
			}
			if err := m.store.SetServerStats(ctx, s.ID, stats); err != nil {
				log.Error().Err(err).Str("server_id", s.ID).Msg("cannot save server stats")
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) fetch(ctx context.Context, s domain.Server) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL(s), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats request: HTTP %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("stats response is not json")
	}
	return json.RawMessage(body), nil
}
