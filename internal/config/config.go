// Package config loads deployd settings from defaults, an optional YAML
// file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"deployd/internal/certs"
)

type Config struct {
	Addr   string
	DBPath string

	Scope           string
	PollEvery       time.Duration
	RetryBackoff    time.Duration
	StaleCheckEvery time.Duration
	StaleAfter      time.Duration
	HealthEvery     time.Duration

	ServerDomain string
	APIEndpoint  string
	ClientRepo   string
	TemplatesDir string

	SSHUser       string
	SSHIdentity   string
	SSHKnownHosts string
	SSHPort       int
	LockWait      time.Duration

	DNSNameserver string

	OVHEndpoint    string
	OVHAppKey      string
	OVHAppSecret   string
	OVHConsumerKey string

	ZeroSSLAccessKey string
	ZeroSSLBaseURL   string
	CertSubject      certs.Subject

	LogLevel  string
	LogFormat string
	Debug     bool
}

func Default() Config {
	identity := "id_rsa"
	if home, err := os.UserHomeDir(); err == nil {
		identity = filepath.Join(home, ".ssh", "id_rsa")
	}
	return Config{
		Addr:            ":8080",
		DBPath:          "deployd.db",
		Scope:           "server",
		PollEvery:       5 * time.Second,
		RetryBackoff:    10 * time.Second,
		StaleCheckEvery: time.Minute,
		StaleAfter:      time.Hour,
		HealthEvery:     time.Minute,
		SSHUser:         "root",
		SSHIdentity:     identity,
		SSHPort:         22,
		LockWait:        15 * time.Second,
		DNSNameserver:   "1.1.1.1:53",
		OVHEndpoint:     "ovh-eu",
		ZeroSSLBaseURL:  certs.DefaultBaseURL,
		CertSubject:     certs.Subject{Country: "PL", State: "Krakow", Locality: "Krakow"},
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// ParseDuration accepts Go durations ("10s") and bare integers, which are
// read as milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the process environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	for _, s := range settings {
		if v, ok := lookup(s.env); ok && v != "" {
			if err := s.set(&c, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", s.env, err)
			}
		}
	}
	return c, nil
}

// loadFile reads a flat YAML mapping whose keys are the lowercase
// environment variable names.
func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(b, &values); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, ok := byEnv[strings.ToUpper(k)]
		if !ok {
			return fmt.Errorf("config %s: unknown key %q", path, k)
		}
		if values[k] == nil {
			continue
		}
		if err := s.set(c, fmt.Sprint(values[k])); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, k, err)
		}
	}
	return nil
}

// BindFlags registers the command-line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		if s.flag != "" {
			fs.String(s.flag, "", s.usage+" (env "+s.env+")")
		}
	}
}

// ApplyFlags copies the flags set on the command line into c.
func ApplyFlags(fs *pflag.FlagSet, c *Config) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		s, ok := byFlag[f.Name]
		if !ok {
			return
		}
		if err := s.set(c, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Scope) == "" {
		errs = append(errs, errors.New("job scope must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"RUN_NEXT_JOB_INTERVAL":        c.PollEvery,
		"RETRY_BACKOFF":                c.RetryBackoff,
		"STALE_CHECK_INTERVAL":         c.StaleCheckEvery,
		"STALE_AFTER":                  c.StaleAfter,
		"CHECK_CLIENT_HEALTH_INTERVAL": c.HealthEvery,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.StaleCheckEvery > 0 && c.StaleCheckEvery < time.Second {
		errs = append(errs, fmt.Errorf("STALE_CHECK_INTERVAL must be at least 1s, got %s", c.StaleCheckEvery))
	}
	if c.HealthEvery > 0 && c.HealthEvery < time.Second {
		errs = append(errs, fmt.Errorf("CHECK_CLIENT_HEALTH_INTERVAL must be at least 1s, got %s", c.HealthEvery))
	}
	if c.LockWait < 0 {
		errs = append(errs, fmt.Errorf("PROVISION_LOCK_WAIT must not be negative"))
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		errs = append(errs, fmt.Errorf("SSH_PORT out of range: %d", c.SSHPort))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
