// Package dns handles jobs that add a record to a DNS zone.
package dns

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"deployd/internal/domain"
	"deployd/internal/gate"
	"deployd/internal/handlers"
)

type Provider interface {
	CreateRecord(ctx context.Context, zone, recordType, subDomain, target string) error
	RefreshZone(ctx context.Context, zone string) error
}

type Task struct {
	RecordType string `json:"record_type"`
	Domain     string `json:"domain"`
	SubDomain  string `json:"sub_domain"`
	Target     string `json:"target"`
}

type DNS struct {
	Provider Provider
	Resolver gate.Resolver
}

func (h DNS) Handle(ctx context.Context, job domain.Job) error {
	var t Task
	if err := handlers.Decode(job.Task, &t); err != nil {
		return err
	}
	if err := handlers.Require(
		handlers.Field{Name: "record_type", Value: t.RecordType},
		handlers.Field{Name: "domain", Value: t.Domain},
		handlers.Field{Name: "sub_domain", Value: t.SubDomain},
		handlers.Field{Name: "target", Value: t.Target},
	); err != nil {
		return err
	}
	if err := gate.Check(ctx, h.Resolver, job.Condition); err != nil {
		return err
	}

	if err := h.Provider.CreateRecord(ctx, t.Domain, t.RecordType, t.SubDomain, t.Target); err != nil {
		return fmt.Errorf("create %s record %s.%s: %w", t.RecordType, t.SubDomain, t.Domain, err)
	}
	zerolog.Ctx(ctx).Info().
		Str("zone", t.Domain).
		Str("record_type", t.RecordType).
		Str("sub_domain", t.SubDomain).
		Str("target", t.Target).
		Msg("new dns record has been added")

	if err := h.Provider.RefreshZone(ctx, t.Domain); err != nil {
		return fmt.Errorf("refresh zone %s: %w", t.Domain, err)
	}
	zerolog.Ctx(ctx).Info().Str("zone", t.Domain).Msg("dns zone refreshed")
	return nil
}
