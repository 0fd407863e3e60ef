package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"deployd/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	servers []domain.Server
	listErr error
	stats   map[string]string
}

func (s *fakeStore) ListServers(context.Context) ([]domain.Server, error) {
	return s.servers, s.listErr
}

func (s *fakeStore) SetServerStats(_ context.Context, id string, stats json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		s.stats = map[string]string{}
	}
	s.stats[id] = string(stats)
	return nil
}

func TestDefaultStatsURL(t *testing.T) {
	m := New(&fakeStore{}, "nodes.example.com")
	got := m.statsURL(domain.Server{ID: "ABC", HookKey: "hk"})
	if got != "https://abc.nodes.example.com/stats/hk" {
		t.Fatalf("url = %s", got)
	}
}

func TestCheckStoresStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a/stats/ka":
			_, _ = w.Write([]byte(`{"cpu":0.5}`))
		case "/b/stats/kb":
			_, _ = w.Write([]byte(`not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	st := &fakeStore{servers: []domain.Server{
		{ID: "a", HookKey: "ka", Status: domain.ServerReady},
		{ID: "b", HookKey: "kb", Status: domain.ServerProvisioned},
		{ID: "c", HookKey: "kc", Status: domain.ServerReady},
		{ID: "d", HookKey: "kd", Status: domain.ServerInstall},
	}}
	m := New(st, "unused", WithStatsURL(func(s domain.Server) string {
		return srv.URL + "/" + s.ID + "/stats/" + s.HookKey
	}))
	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(st.stats) != 1 || st.stats["a"] != `{"cpu":0.5}` {
		t.Fatalf("stats = %v", st.stats)
	}
}

func TestCheckListError(t *testing.T) {
	m := New(&fakeStore{listErr: errors.New("db closed")}, "x")
	if err := m.Check(context.Background()); err == nil || !strings.Contains(err.Error(), "db closed") {
		t.Fatalf("err = %v", err)
	}
}
