// Package tlscert handles jobs that request a TLS certificate for a node.
package tlscert

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"deployd/internal/certs"
	"deployd/internal/domain"
	"deployd/internal/gate"
	"deployd/internal/handlers"
)

type Authority interface {
	ValidateCSR(ctx context.Context, csr []byte) error
	CreateCertificate(ctx context.Context, csr []byte, domains []string, validityDays int) (certs.Certificate, error)
}

// Store keeps the key material of requested certificates.
type Store interface {
	SaveCertificate(ctx context.Context, c domain.Certificate) (domain.Certificate, error)
}

type Task struct {
	Domain string `json:"domain"`
}

type TLS struct {
	Authority Authority
	Resolver  gate.Resolver
	Store     Store // optional
	Subject   certs.Subject
}

func (h TLS) Handle(ctx context.Context, job domain.Job) error {
	var t Task
	if err := handlers.Decode(job.Task, &t); err != nil {
		return err
	}
	if err := handlers.Require(handlers.Field{Name: "domain", Value: t.Domain}); err != nil {
		return err
	}
	if err := gate.Check(ctx, h.Resolver, job.Condition); err != nil {
		return err
	}

	key, err := certs.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	csr, err := certs.NewCSR(key, t.Domain, h.Subject)
	if err != nil {
		return fmt.Errorf("generate csr: %w", err)
	}
	if err := h.Authority.ValidateCSR(ctx, csr); err != nil {
		return err
	}
	cert, err := h.Authority.CreateCertificate(ctx, csr, []string{t.Domain}, certs.DefaultValidityDays)
	if err != nil {
		return err
	}
	log := zerolog.Ctx(ctx)
	log.Info().
		Str("domain", t.Domain).
		Str("certificate_id", cert.ID).
		Str("certificate_status", cert.Status).
		Msg("new certificate requested")

	if h.Store == nil {
		return nil
	}
	keyPEM, err := certs.EncodeKey(key)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	// The authority already holds the request, a retry would order a second
	// certificate. Losing the record is logged instead.
	if _, err := h.Store.SaveCertificate(ctx, domain.Certificate{
		Domain:      t.Domain,
		AuthorityID: cert.ID,
		Status:      cert.Status,
		PrivateKey:  keyPEM,
		CSR:         csr,
	}); err != nil {
		log.Error().Err(err).Str("certificate_id", cert.ID).Msg("failed to save certificate")
	}
	return nil
}
