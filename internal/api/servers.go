package api

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"deployd/internal/domain"
	"deployd/internal/remote"
)

type registerServerReq struct {
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Type   string `json:"type"`
	Region string `json:"region"`
}

type registerServerResp struct {
	Server domain.Server `json:"server"`
	Host   string        `json:"host"`
	PubKey string        `json:"pub_key"`
	Jobs   []string      `json:"jobs"`
}

func randomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// registerServer records a new node and queues its installation: the DNS
// record, the provisioning run and the TLS certificate. The last two wait
// until the node's host name resolves to its address.
func (s *Server) registerServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	ip := net.ParseIP(req.IP)
	if ip == nil || ip.To4() == nil {
		http.Error(w, "ip must be an IPv4 address", http.StatusBadRequest)
		return
	}
	if s.opts.ServerDomain == "" {
		http.Error(w, "server domain is not configured", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	srv, err := s.store.CreateServer(ctx, domain.Server{
		Name:            req.Name,
		IP:              ip.String(),
		Type:            req.Type,
		Region:          req.Region,
		Status:          domain.ServerInstall,
		HookKey:         randomKey(),
		NotificationKey: randomKey() + randomKey(),
		NextPort:        domain.FirstServicePort,
	})
	if err != nil {
		storeError(w, err)
		return
	}
	keys, err := remote.GenerateDeployKeys("deployd-" + srv.ID)
	if err != nil {
		log.Error().Err(err).Str("server_id", srv.ID).Msg("cannot generate deploy keys")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	host := srv.ID + "." + s.opts.ServerDomain
	resolved := &domain.Condition{Domain: host, Target: srv.IP}
	// Jobs run newest first, so the DNS record is queued last.
	planned := []struct {
		typ       domain.JobType
		task      any
		condition *domain.Condition
	}{
		{domain.TypeCreateTLSCertificate, map[string]string{"domain": host}, resolved},
		{domain.TypeClientProvision, map[string]string{
			"public_ip": srv.IP,
			"server_id": srv.ID,
			"priv_key":  keys.Private,
			"pub_key":   keys.Public,
			"api_key":   srv.NotificationKey,
		}, resolved},
		{domain.TypeDNS, map[string]string{
			"record_type": "A",
			"domain":      s.opts.ServerDomain,
			"sub_domain":  srv.ID,
			"target":      srv.IP,
		}, nil},
	}

	resp := registerServerResp{Server: srv, Host: host, PubKey: keys.Public}
	for _, p := range planned {
		task, err := json.Marshal(p.task)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		j, err := s.store.CreateJob(ctx, domain.Job{
			Type:      p.typ,
			Status:    domain.StatusNew,
			Scope:     domain.ScopeServer,
			Task:      task,
			Condition: p.condition,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		resp.Jobs = append(resp.Jobs, j.ID)
	}

	log.Info().Str("server_id", srv.ID).Str("ip", srv.IP).Strs("jobs", resp.Jobs).Msg("server registered")
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	if servers == nil {
		servers = []domain.Server{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// serverReady is called by the node once its setup script finished. The
// node authenticates with the api_key it was provisioned with.
func (s *Server) serverReady(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	srv, err := s.store.GetServer(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	key := r.Header.Get("Authorization")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(srv.NotificationKey)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.store.SetServerStatus(r.Context(), srv.ID, domain.ServerReady); err != nil {
		storeError(w, err)
		return
	}
	srv.Status = domain.ServerReady
	log.Info().Str("server_id", srv.ID).Msg("server is ready")
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) reservePort(w http.ResponseWriter, r *http.Request) {
	port, err := s.store.ReserveServerPort(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"port": port})
}

// certificateView leaves out the private key.
type certificateView struct {
	ID          string `json:"id"`
	Domain      string `json:"domain"`
	AuthorityID string `json:"authority_id"`
	Status      string `json:"status"`
	CSR         string `json:"csr"`
	CreatedAt   int64  `json:"created_at"`
}

// listCertificates returns the certificates requested for the server's
// host name, newest first.
func (s *Server) listCertificates(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	if s.opts.ServerDomain == "" {
		http.Error(w, "server domain is not configured", http.StatusServiceUnavailable)
		return
	}
	certs, err := s.store.ListCertificates(r.Context(), srv.ID+"."+s.opts.ServerDomain)
	if err != nil {
		storeError(w, err)
		return
	}
	out := make([]certificateView, 0, len(certs))
	for _, c := range certs {
		out = append(out, certificateView{
			ID:          c.ID,
			Domain:      c.Domain,
			AuthorityID: c.AuthorityID,
			Status:      c.Status,
			CSR:         string(c.CSR),
			CreatedAt:   c.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
