package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidTask marks a job whose task payload can never be executed.
// The worker treats it as terminal and cancels the job.
var ErrInvalidTask = errors.New("the task dictionary hasn't all required values")

type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a job in this status is never picked up again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type JobType string

const (
	TypeDNS                  JobType = "dns"
	TypeClientProvision      JobType = "client_provision"
	TypeCreateTLSCertificate JobType = "create_tls_certificate"
)

// ScopeServer is the queue partition processed by this control plane.
const ScopeServer = "server"

// Condition gates a job until Domain resolves to Target.
type Condition struct {
	Domain string `json:"domain"`
	Target string `json:"target"`
}

// Empty is true when the condition has nothing to check.
func (c *Condition) Empty() bool {
	return c == nil || c.Domain == "" || c.Target == ""
}

type Job struct {
	ID         string
	Type       JobType
	Status     Status
	Scope      string
	Task       json.RawMessage
	Condition  *Condition
	Notes      string
	StartAfter *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Eligible reports whether the job may be started at now.
func (j Job) Eligible(now time.Time) bool {
	if j.Status != StatusNew && j.Status != StatusFailed {
		return false
	}
	return j.StartAfter == nil || !j.StartAfter.After(now)
}

type ServerStatus string

const (
	ServerInstall      ServerStatus = "install"
	ServerProvisioning ServerStatus = "provisioning"
	ServerProvisioned  ServerStatus = "provisioned"
	ServerReady        ServerStatus = "ready"
)

// FirstServicePort is where per-project port allocation starts on a node.
const FirstServicePort = 4010

type Server struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	IP              string          `json:"ip"`
	Type            string          `json:"type,omitempty"`
	Region          string          `json:"region,omitempty"`
	Status          ServerStatus    `json:"status"`
	HookKey         string          `json:"-"`
	NotificationKey string          `json:"-"`
	NextPort        int             `json:"next_port"`
	Stats           json.RawMessage `json:"stats,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Certificate struct {
	ID          string
	Domain      string
	AuthorityID string
	Status      string
	PrivateKey  []byte
	CSR         []byte
	CreatedAt   time.Time
}
