package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deployd/internal/api"
	"deployd/internal/certs"
	"deployd/internal/domain"
	"deployd/internal/handlers/clientprovision"
	"deployd/internal/handlers/dns"
	"deployd/internal/handlers/tlscert"
	"deployd/internal/monitor"
	"deployd/internal/ovh"
	"deployd/internal/provision"
	"deployd/internal/remote"
	"deployd/internal/resolver"
	"deployd/internal/scheduler"
	"deployd/internal/store"
	"deployd/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the job worker and maintenance tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		return err
	}
	repo := store.NewSQLiteRepo(db)

	// Nothing runs yet, so every in_progress job is left over from a crash.
	if err := scheduler.ResetStale(repo, nil, 0, nil)(ctx); err != nil {
		return err
	}

	res := resolver.New(cfg.DNSNameserver, 5*time.Second)
	workflow := provision.New(
		remote.NewSSH(remote.Config{
			User:           cfg.SSHUser,
			IdentityPath:   cfg.SSHIdentity,
			KnownHostsPath: cfg.SSHKnownHosts,
			Port:           cfg.SSHPort,
		}),
		provision.Config{
			Domain:       cfg.ServerDomain,
			APIEndpoint:  cfg.APIEndpoint,
			ClientRepo:   cfg.ClientRepo,
			TemplatesDir: cfg.TemplatesDir,
			LockWait:     cfg.LockWait,
		},
	)

	handlers := map[domain.JobType]worker.Handler{
		domain.TypeDNS: dns.DNS{Provider: dnsProvider(), Resolver: res},
		domain.TypeCreateTLSCertificate: tlscert.TLS{
			Authority: authority(),
			Resolver:  res,
			Store:     repo,
			Subject:   cfg.CertSubject,
		},
		domain.TypeClientProvision: clientprovision.ClientProvision{
			Workflow: workflow,
			Resolver: res,
			Servers:  repo,
		},
	}
	w := worker.New(repo, handlers, worker.Config{
		Scope:        cfg.Scope,
		PollEvery:    cfg.PollEvery,
		RetryBackoff: cfg.RetryBackoff,
	})

	sched := scheduler.NewService()
	if err := sched.Every("reset-stale-jobs", cfg.StaleCheckEvery, scheduler.ResetStale(repo, w, cfg.StaleAfter, nil)); err != nil {
		return err
	}
	if cfg.ServerDomain != "" {
		mon := monitor.New(repo, cfg.ServerDomain)
		if err := sched.Every("server-stats", cfg.HealthEvery, mon.Check); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("SERVER_DOMAIN is not set, server stats collection is off")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(repo, api.Options{ServerDomain: cfg.ServerDomain, Worker: w, Debug: cfg.Debug}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// unconfigured stands in for a collaborator whose credentials are missing.
// Jobs that need it fail and are retried until the service is restarted
// with credentials.
type unconfigured string

func (u unconfigured) err() error { return errors.New(string(u) + " is not configured") }

func (u unconfigured) CreateRecord(context.Context, string, string, string, string) error {
	return u.err()
}

func (u unconfigured) RefreshZone(context.Context, string) error { return u.err() }

func (u unconfigured) ValidateCSR(context.Context, []byte) error { return u.err() }

func (u unconfigured) CreateCertificate(context.Context, []byte, []string, int) (certs.Certificate, error) {
	return certs.Certificate{}, u.err()
}

func dnsProvider() dns.Provider {
	if cfg.OVHAppKey == "" {
		log.Warn().Msg("OVH credentials are not set, dns jobs will fail until they are")
		return unconfigured("dns provider")
	}
	p, err := ovh.New(ovh.Config{
		Endpoint:    cfg.OVHEndpoint,
		AppKey:      cfg.OVHAppKey,
		AppSecret:   cfg.OVHAppSecret,
		ConsumerKey: cfg.OVHConsumerKey,
	})
	if err != nil {
		log.Error().Err(err).Msg("cannot create OVH client")
		return unconfigured("dns provider")
	}
	return p
}

func authority() tlscert.Authority {
	if cfg.ZeroSSLAccessKey == "" {
		log.Warn().Msg("ZEROSSL_ACCESS_KEY is not set, certificate jobs will fail until it is")
		return unconfigured("certificate authority")
	}
	return certs.NewZeroSSL(cfg.ZeroSSLAccessKey, certs.WithBaseURL(cfg.ZeroSSLBaseURL))
}
