package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"deployd/internal/domain"
	"deployd/internal/store"
)

// secretTaskKeys are replaced in every task returned by the API.
var secretTaskKeys = []string{"priv_key", "api_key"}

const redacted = "[redacted]"

type jobView struct {
	ID         string            `json:"id"`
	Type       domain.JobType    `json:"type"`
	Status     domain.Status     `json:"status"`
	Scope      string            `json:"scope"`
	Task       json.RawMessage   `json:"task"`
	Condition  *domain.Condition `json:"condition_to_start,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	StartAfter *int64            `json:"start_after,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

func viewJob(j domain.Job) jobView {
	v := jobView{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Scope:     j.Scope,
		Task:      redactTask(j.Task),
		Condition: j.Condition,
		Notes:     j.Notes,
		CreatedAt: j.CreatedAt.UnixMilli(),
		UpdatedAt: j.UpdatedAt.UnixMilli(),
	}
	if j.StartAfter != nil {
		ms := j.StartAfter.UnixMilli()
		v.StartAfter = &ms
	}
	return v
}

func redactTask(task json.RawMessage) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(task, &m); err != nil {
		return task
	}
	changed := false
	for _, k := range secretTaskKeys {
		if _, ok := m[k]; ok {
			m[k] = json.RawMessage(strconv.Quote(redacted))
			changed = true
		}
	}
	if !changed {
		return task
	}
	b, err := json.Marshal(m)
	if err != nil {
		return task
	}
	return b
}

type createJobReq struct {
	Type       domain.JobType    `json:"type"`
	Scope      string            `json:"scope"`
	Task       json.RawMessage   `json:"task"`
	Condition  *domain.Condition `json:"condition_to_start"`
	StartAfter *int64            `json:"start_after"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	task := bytes.TrimSpace(req.Task)
	if len(task) == 0 || task[0] != '{' {
		http.Error(w, "task must be a JSON object", http.StatusBadRequest)
		return
	}
	j := domain.Job{
		Type:      req.Type,
		Status:    domain.StatusNew,
		Scope:     req.Scope,
		Task:      json.RawMessage(task),
		Condition: req.Condition,
	}
	if req.StartAfter != nil {
		t := time.UnixMilli(*req.StartAfter)
		j.StartAfter = &t
	}
	created, err := s.store.CreateJob(r.Context(), j)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewJob(created))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Scope: q.Get("scope"),
		Type:  domain.JobType(q.Get("type")),
		Limit: 100,
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status := domain.Status(strings.TrimSpace(st))
			if !status.Valid() {
				http.Error(w, "invalid status "+string(status), http.StatusBadRequest)
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		storeError(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j))
}

type updateJobReq struct {
	Status domain.Status `json:"status"`
}

// updateJob lets operators requeue or cancel a job that is not running.
func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var u store.JobUpdate
	switch req.Status {
	case domain.StatusNew:
		u = store.JobUpdate{Status: domain.StatusNew, ClearStartAfter: true}
	case domain.StatusCancelled:
		note := "cancelled by operator"
		u = store.JobUpdate{Status: domain.StatusCancelled, Notes: &note}
	default:
		http.Error(w, "status can only be set to new or cancelled", http.StatusBadRequest)
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if j.Status == domain.StatusInProgress {
		http.Error(w, "job is running", http.StatusConflict)
		return
	}
	if err := s.store.UpdateJob(r.Context(), id, u); err != nil {
		storeError(w, err)
		return
	}
	j, err = s.store.GetJob(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j))
}
