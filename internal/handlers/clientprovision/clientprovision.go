// Package clientprovision handles jobs that install a new node.
package clientprovision

import (
	"context"

	"github.com/rs/zerolog"

	"deployd/internal/domain"
	"deployd/internal/gate"
	"deployd/internal/handlers"
	"deployd/internal/provision"
)

type Provisioner interface {
	Provision(ctx context.Context, n provision.Node) error
}

// Servers receives best-effort status updates for the node being installed.
type Servers interface {
	TransitionServer(ctx context.Context, id string, to domain.ServerStatus, from ...domain.ServerStatus) (bool, error)
}

// The node reports ready itself at the end of its setup script, so the
// handler only moves servers that have not reached a later state.
var installing = []domain.ServerStatus{domain.ServerInstall, domain.ServerProvisioning}

type Task struct {
	PublicIP string `json:"public_ip"`
	ServerID string `json:"server_id"`
	PrivKey  string `json:"priv_key"`
	PubKey   string `json:"pub_key"`
	APIKey   string `json:"api_key"`
}

type ClientProvision struct {
	Workflow Provisioner
	Resolver gate.Resolver
	Servers  Servers // optional
}

func (h ClientProvision) Handle(ctx context.Context, job domain.Job) error {
	var t Task
	if err := handlers.Decode(job.Task, &t); err != nil {
		return err
	}
	if err := handlers.Require(
		handlers.Field{Name: "public_ip", Value: t.PublicIP},
		handlers.Field{Name: "server_id", Value: t.ServerID},
		handlers.Field{Name: "priv_key", Value: t.PrivKey},
		handlers.Field{Name: "pub_key", Value: t.PubKey},
		handlers.Field{Name: "api_key", Value: t.APIKey},
	); err != nil {
		return err
	}
	if err := gate.Check(ctx, h.Resolver, job.Condition); err != nil {
		return err
	}

	h.setStatus(ctx, t.ServerID, domain.ServerProvisioning)
	err := h.Workflow.Provision(ctx, provision.Node{
		ServerID: t.ServerID,
		PublicIP: t.PublicIP,
		PrivKey:  t.PrivKey,
		PubKey:   t.PubKey,
		APIKey:   t.APIKey,
	})
	if err != nil {
		return err
	}
	h.setStatus(ctx, t.ServerID, domain.ServerProvisioned)
	return nil
}

func (h ClientProvision) setStatus(ctx context.Context, id string, status domain.ServerStatus) {
	if h.Servers == nil {
		return
	}
	changed, err := h.Servers.TransitionServer(ctx, id, status, installing...)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("server_id", id).Str("status", string(status)).Msg("failed to update server status")
		return
	}
	if !changed {
		zerolog.Ctx(ctx).Debug().Str("server_id", id).Str("status", string(status)).Msg("server already past this status")
	}
}
