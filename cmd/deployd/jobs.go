package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"deployd/internal/config"
	"deployd/internal/domain"
	"deployd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.EnsureSchema(db); err != nil {
			return err
		}
		log.Info().Str("db", cfg.DBPath).Msg("schema is up to date")
		return nil
	},
}

var enqueueOpts struct {
	jobType         string
	scope           string
	conditionDomain string
	conditionTarget string
	delay           string
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue task-json",
	Short: "Add a job to the queue",
	Example: `  deployd enqueue --type dns '{"record_type":"A","domain":"example.com","sub_domain":"www","target":"1.2.3.4"}'
  deployd enqueue --type create_tls_certificate --when-domain n1.example.com --when-target 1.2.3.4 '{"domain":"n1.example.com"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueOpts.jobType == "" {
			return fmt.Errorf("--type is required")
		}
		var task map[string]any
		if err := json.Unmarshal([]byte(args[0]), &task); err != nil {
			return fmt.Errorf("task must be a JSON object: %w", err)
		}

		j := domain.Job{
			Type:   domain.JobType(enqueueOpts.jobType),
			Status: domain.StatusNew,
			Scope:  enqueueOpts.scope,
			Task:   json.RawMessage(args[0]),
		}
		if j.Scope == "" {
			j.Scope = cfg.Scope
		}
		if enqueueOpts.conditionDomain != "" || enqueueOpts.conditionTarget != "" {
			j.Condition = &domain.Condition{Domain: enqueueOpts.conditionDomain, Target: enqueueOpts.conditionTarget}
			if j.Condition.Empty() {
				return fmt.Errorf("a condition needs both --when-domain and --when-target")
			}
		}
		if enqueueOpts.delay != "" {
			d, err := config.ParseDuration(enqueueOpts.delay)
			if err != nil {
				return fmt.Errorf("--delay: %w", err)
			}
			at := time.Now().Add(d)
			j.StartAfter = &at
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.EnsureSchema(db); err != nil {
			return err
		}
		created, err := store.NewSQLiteRepo(db).CreateJob(cmd.Context(), j)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), created.ID)
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueueOpts.jobType, "type", "", "job type: dns, client_provision or create_tls_certificate")
	f.StringVar(&enqueueOpts.scope, "job-scope", "", "queue partition (defaults to the configured scope)")
	f.StringVar(&enqueueOpts.conditionDomain, "when-domain", "", "do not start until this domain resolves to --when-target")
	f.StringVar(&enqueueOpts.conditionTarget, "when-target", "", "IPv4 address --when-domain must resolve to")
	f.StringVar(&enqueueOpts.delay, "delay", "", "do not start before this delay has passed")
}
