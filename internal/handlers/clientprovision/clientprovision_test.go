package clientprovision

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"deployd/internal/domain"
	"deployd/internal/provision"
	"deployd/internal/store"
)

type fakeWorkflow struct {
	nodes []provision.Node
	err   error
}

func (w *fakeWorkflow) Provision(_ context.Context, n provision.Node) error {
	w.nodes = append(w.nodes, n)
	return w.err
}

type fakeServers struct {
	statuses []domain.ServerStatus
}

func (s *fakeServers) TransitionServer(_ context.Context, _ string, to domain.ServerStatus, _ ...domain.ServerStatus) (bool, error) {
	s.statuses = append(s.statuses, to)
	return true, nil
}

type fakeResolver map[string][]string

func (r fakeResolver) ResolveA(_ context.Context, name string) ([]string, error) {
	return r[name], nil
}

const task = `{"public_ip":"5.6.7.8","server_id":"n1","priv_key":"PRIV","pub_key":"PUB","api_key":"K"}`

func provisionJob(task string) domain.Job {
	return domain.Job{
		ID:        "job_p",
		Type:      domain.TypeClientProvision,
		Task:      json.RawMessage(task),
		Condition: &domain.Condition{Domain: "n1.example.com", Target: "5.6.7.8"},
	}
}

func TestHandleProvisionsWhenResolved(t *testing.T) {
	w := &fakeWorkflow{}
	s := &fakeServers{}
	h := ClientProvision{Workflow: w, Resolver: fakeResolver{"n1.example.com": {"5.6.7.8"}}, Servers: s}
	if err := h.Handle(context.Background(), provisionJob(task)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := provision.Node{ServerID: "n1", PublicIP: "5.6.7.8", PrivKey: "PRIV", PubKey: "PUB", APIKey: "K"}
	if len(w.nodes) != 1 || w.nodes[0] != want {
		t.Fatalf("nodes = %+v", w.nodes)
	}
	if !reflect.DeepEqual(s.statuses, []domain.ServerStatus{domain.ServerProvisioning, domain.ServerProvisioned}) {
		t.Fatalf("statuses = %v", s.statuses)
	}
}

func TestHandleConditionMismatchSkipsWorkflow(t *testing.T) {
	w := &fakeWorkflow{}
	h := ClientProvision{Workflow: w, Resolver: fakeResolver{"n1.example.com": {"9.9.9.9"}}}
	err := h.Handle(context.Background(), provisionJob(task))
	if err == nil || errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("err = %v", err)
	}
	if len(w.nodes) != 0 {
		t.Fatal("workflow invoked before the condition was met")
	}
}

func TestHandleInvalidTask(t *testing.T) {
	w := &fakeWorkflow{}
	h := ClientProvision{Workflow: w, Resolver: fakeResolver{"n1.example.com": {"5.6.7.8"}}}
	err := h.Handle(context.Background(), provisionJob(`{"public_ip":"5.6.7.8","server_id":"n1"}`))
	if !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("err = %v", err)
	}
	if len(w.nodes) != 0 {
		t.Fatal("workflow invoked for an invalid task")
	}
}

func TestHandleWorkflowFailure(t *testing.T) {
	w := &fakeWorkflow{err: errors.New("cannot ssh into a new server: refused")}
	s := &fakeServers{}
	h := ClientProvision{Workflow: w, Resolver: fakeResolver{"n1.example.com": {"5.6.7.8"}}, Servers: s}
	if err := h.Handle(context.Background(), provisionJob(task)); err != w.err {
		t.Fatalf("err = %v, want the workflow error", err)
	}
	if !reflect.DeepEqual(s.statuses, []domain.ServerStatus{domain.ServerProvisioning}) {
		t.Fatalf("statuses = %v", s.statuses)
	}
}

// readyReporter marks the server ready from inside Provision, as the node's
// setup script does through the API before the workflow returns.
type readyReporter struct {
	repo *store.SQLiteRepo
}

func (w readyReporter) Provision(ctx context.Context, n provision.Node) error {
	return w.repo.SetServerStatus(ctx, n.ServerID, domain.ServerReady)
}

func TestHandleKeepsReadyReportedDuringSetup(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := store.NewSQLiteRepo(db)
	ctx := context.Background()
	srv, err := repo.CreateServer(ctx, domain.Server{Name: "n1", IP: "5.6.7.8"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	task := `{"public_ip":"5.6.7.8","server_id":"` + srv.ID + `","priv_key":"PRIV","pub_key":"PUB","api_key":"K"}`
	h := ClientProvision{Workflow: readyReporter{repo}, Servers: repo}
	job := domain.Job{ID: "job_p", Type: domain.TypeClientProvision, Task: json.RawMessage(task)}
	if err := h.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := repo.GetServer(ctx, srv.ID)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	if got.Status != domain.ServerReady {
		t.Fatalf("server status = %s, want %s", got.Status, domain.ServerReady)
	}
}
