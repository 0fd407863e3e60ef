package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"deployd/internal/domain"
	dnshandler "deployd/internal/handlers/dns"
	"deployd/internal/handlers/clientprovision"
	"deployd/internal/provision"
	"deployd/internal/store"
	"deployd/internal/worker"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*store.SQLiteRepo, *clock) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return store.NewSQLiteRepo(db, store.WithClock(c.Now)), c
}

func enqueue(t *testing.T, repo *store.SQLiteRepo, c *clock, j domain.Job) domain.Job {
	t.Helper()
	if j.Task == nil {
		j.Task = json.RawMessage(`{}`)
	}
	created, err := repo.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	c.Advance(time.Second)
	return created
}

func get(t *testing.T, repo *store.SQLiteRepo, id string) domain.Job {
	t.Helper()
	j, err := repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

func newWorker(repo *store.SQLiteRepo, c *clock, handlers map[domain.JobType]worker.Handler) *worker.Worker {
	return worker.New(repo, handlers, worker.Config{}, worker.WithClock(c.Now))
}

func TestTickPicksNewestEligible(t *testing.T) {
	repo, c := setup(t)
	future := c.Now().Add(time.Hour)
	older := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	newer := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS, StartAfter: &future})
	enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS, Scope: "other"})

	var ran []string
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(_ context.Context, j domain.Job) error {
			ran = append(ran, j.ID)
			return nil
		}),
	})

	if !w.Tick(context.Background()) {
		t.Fatal("expected a job to run")
	}
	if len(ran) != 1 || ran[0] != newer.ID {
		t.Fatalf("ran %v, want newest eligible %s", ran, newer.ID)
	}
	w.Tick(context.Background())
	if len(ran) != 2 || ran[1] != older.ID {
		t.Fatalf("ran %v, want %s second", ran, older.ID)
	}
	if w.Tick(context.Background()) {
		t.Fatalf("future and foreign-scope jobs must not run, ran %v", ran)
	}
}

func TestTickSuccessMarksDone(t *testing.T) {
	repo, c := setup(t)
	past := c.Now().Add(-time.Minute)
	j := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS, Status: domain.StatusFailed, Notes: "earlier failure", StartAfter: &past})

	var during domain.Status
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(ctx context.Context, job domain.Job) error {
			during = get(t, repo, job.ID).Status
			return nil
		}),
	})
	w.Tick(context.Background())

	got := get(t, repo, j.ID)
	if during != domain.StatusInProgress {
		t.Fatalf("status while running = %s", during)
	}
	if got.Status != domain.StatusDone || got.StartAfter != nil || got.Notes != "earlier failure" {
		t.Fatalf("job = %+v", got)
	}
	if s := w.Stats(); s.Done != 1 || s.Running {
		t.Fatalf("stats = %+v", s)
	}
}

func TestTickFailureSchedulesRetry(t *testing.T) {
	repo, c := setup(t)
	j := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(context.Context, domain.Job) error {
			return errors.New("ovh: 503 service unavailable")
		}),
	})
	w.Tick(context.Background())

	got := get(t, repo, j.ID)
	if got.Status != domain.StatusFailed || got.Notes != "ovh: 503 service unavailable" {
		t.Fatalf("job = %+v", got)
	}
	if got.StartAfter == nil || !got.StartAfter.Equal(c.Now().Add(10*time.Second)) {
		t.Fatalf("start_after = %v, want now+10s", got.StartAfter)
	}
	if w.Tick(context.Background()) {
		t.Fatal("job retried before its backoff elapsed")
	}
	c.Advance(10 * time.Second)
	if !w.Tick(context.Background()) {
		t.Fatal("job not retried after its backoff")
	}
}

func TestTickCancelsInvalidAndUnknown(t *testing.T) {
	repo, c := setup(t)
	invalid := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(context.Context, domain.Job) error {
			return domain.ErrInvalidTask
		}),
	})
	w.Tick(context.Background())
	if got := get(t, repo, invalid.ID); got.Status != domain.StatusCancelled || got.Notes != domain.ErrInvalidTask.Error() {
		t.Fatalf("invalid job = %+v", got)
	}

	unknown := enqueue(t, repo, c, domain.Job{Type: "reboot"})
	w.Tick(context.Background())
	if got := get(t, repo, unknown.ID); got.Status != domain.StatusCancelled || got.Notes != "no job handler for this type of a job" {
		t.Fatalf("unknown job = %+v", got)
	}
	if w.Stats().Cancelled != 2 {
		t.Fatalf("stats = %+v", w.Stats())
	}
}

func TestTickRecoversPanicAndReleasesSlot(t *testing.T) {
	repo, c := setup(t)
	first := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	calls := 0
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(context.Context, domain.Job) error {
			calls++
			if calls == 1 {
				panic("nil map")
			}
			return nil
		}),
	})

	w.Tick(context.Background())
	got := get(t, repo, first.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.Notes, "nil map") {
		t.Fatalf("job after panic = %+v", got)
	}

	second := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	if !w.Tick(context.Background()) {
		t.Fatal("slot not released after a panic")
	}
	if get(t, repo, second.ID).Status != domain.StatusDone {
		t.Fatal("second job did not run")
	}
}

func TestTickSkipsWhileBusy(t *testing.T) {
	repo, c := setup(t)
	j := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(context.Context, domain.Job) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		}),
	})

	done := make(chan struct{})
	go func() {
		w.Tick(context.Background())
		close(done)
	}()
	<-started

	if w.Current() == "" || w.Current() == j.ID {
		t.Fatalf("current = %q, want the newest job", w.Current())
	}
	if w.Tick(context.Background()) {
		t.Fatal("second tick ran while the slot was held")
	}
	if s := w.Stats(); s.Skipped != 1 || !s.Running {
		t.Fatalf("stats = %+v", s)
	}
	close(release)
	<-done
	if w.Current() != "" {
		t.Fatalf("current = %q after the job finished", w.Current())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	repo, c := setup(t)
	j := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})
	ran := make(chan struct{}, 1)
	w := worker.New(repo, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(context.Context, domain.Job) error {
			ran <- struct{}{}
			return nil
		}),
	}, worker.Config{PollEvery: 10 * time.Millisecond}, worker.WithClock(c.Now))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if get(t, repo, j.ID).Status != domain.StatusDone {
		t.Fatal("job not done")
	}
}

type fakeProvider struct {
	err   error
	calls int
}

func (p *fakeProvider) CreateRecord(context.Context, string, string, string, string) error {
	p.calls++
	return p.err
}

func (p *fakeProvider) RefreshZone(context.Context, string) error {
	p.calls++
	return nil
}

func TestDNSJobEndToEnd(t *testing.T) {
	repo, c := setup(t)
	task := json.RawMessage(`{"record_type":"A","domain":"example.com","sub_domain":"www","target":"1.2.3.4"}`)

	ok := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS, Task: task})
	p := &fakeProvider{}
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{domain.TypeDNS: dnshandler.DNS{Provider: p}})
	w.Tick(context.Background())
	if got := get(t, repo, ok.ID); got.Status != domain.StatusDone || p.calls != 2 {
		t.Fatalf("job = %+v, provider calls = %d", got, p.calls)
	}

	bad := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS, Task: task})
	p.err = errors.New("zone not found")
	w.Tick(context.Background())
	got := get(t, repo, bad.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.Notes, "zone not found") || got.StartAfter == nil {
		t.Fatalf("job = %+v", got)
	}
}

type fakeResolver map[string][]string

func (r fakeResolver) ResolveA(_ context.Context, name string) ([]string, error) {
	return r[name], nil
}

type countingWorkflow struct{ calls int }

func (w *countingWorkflow) Provision(context.Context, provision.Node) error {
	w.calls++
	return nil
}

func TestProvisionJobWaitsForDNS(t *testing.T) {
	repo, c := setup(t)
	j := enqueue(t, repo, c, domain.Job{
		Type:      domain.TypeClientProvision,
		Task:      json.RawMessage(`{"public_ip":"5.6.7.8","server_id":"n1","priv_key":"a","pub_key":"b","api_key":"c"}`),
		Condition: &domain.Condition{Domain: "n1.example.com", Target: "5.6.7.8"},
	})
	wf := &countingWorkflow{}
	w := newWorker(repo, c, map[domain.JobType]worker.Handler{
		domain.TypeClientProvision: clientprovision.ClientProvision{
			Workflow: wf,
			Resolver: fakeResolver{"n1.example.com": {"9.9.9.9"}},
		},
	})
	w.Tick(context.Background())

	got := get(t, repo, j.ID)
	if wf.calls != 0 {
		t.Fatal("workflow invoked before dns propagated")
	}
	if got.Status != domain.StatusFailed || !strings.Contains(got.Notes, "no required A record is found") {
		t.Fatalf("job = %+v", got)
	}
}

// cancelAfterList cancels every listed job before the worker claims it, as
// an operator PUT racing the tick would.
type cancelAfterList struct {
	*store.SQLiteRepo
}

func (s cancelAfterList) ListJobs(ctx context.Context, f store.JobFilter) ([]domain.Job, error) {
	jobs, err := s.SQLiteRepo.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		note := "cancelled by operator"
		if err := s.SQLiteRepo.UpdateJob(ctx, j.ID, store.JobUpdate{Status: domain.StatusCancelled, Notes: &note}); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func TestTickSkipsJobCancelledBeforeClaim(t *testing.T) {
	repo, c := setup(t)
	j := enqueue(t, repo, c, domain.Job{Type: domain.TypeDNS})

	calls := 0
	w := worker.New(cancelAfterList{repo}, map[domain.JobType]worker.Handler{
		domain.TypeDNS: worker.HandlerFunc(func(context.Context, domain.Job) error {
			calls++
			return nil
		}),
	}, worker.Config{}, worker.WithClock(c.Now))

	if w.Tick(context.Background()) {
		t.Fatal("tick reported a dispatch for a cancelled job")
	}
	if calls != 0 {
		t.Fatalf("handler ran %d times for a cancelled job", calls)
	}
	got := get(t, repo, j.ID)
	if got.Status != domain.StatusCancelled || got.Notes != "cancelled by operator" {
		t.Fatalf("job = %+v", got)
	}
	if st := w.Stats(); st.Done != 0 || st.Failed != 0 || st.Cancelled != 0 || st.Running {
		t.Fatalf("stats = %+v", st)
	}
}
