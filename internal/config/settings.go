package config

import (
	"fmt"
	"strconv"
	"time"
)

type setting struct {
	env   string
	flag  string
	usage string
	set   func(c *Config, v string) error
}

func str(f func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*f(c) = v
		return nil
	}
}

func dur(f func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = d
		return nil
	}
}

// PORT comes before ADDR so an explicit ADDR wins.
var settings = []setting{
	{"PORT", "", "HTTP port", func(c *Config, v string) error {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid port %q", v)
		}
		c.Addr = ":" + v
		return nil
	}},
	{"ADDR", "addr", "HTTP bind address", str(func(c *Config) *string { return &c.Addr })},
	{"DB_PATH", "db", "SQLite database path", str(func(c *Config) *string { return &c.DBPath })},
	{"JOB_SCOPE", "scope", "job queue partition to process", str(func(c *Config) *string { return &c.Scope })},
	{"RUN_NEXT_JOB_INTERVAL", "poll", "job poll interval", dur(func(c *Config) *time.Duration { return &c.PollEvery })},
	{"RETRY_BACKOFF", "retry-backoff", "delay before a failed job is retried", dur(func(c *Config) *time.Duration { return &c.RetryBackoff })},
	{"CHECK_PROVISION_QUEUE_INTERVAL", "", "alias of STALE_CHECK_INTERVAL", dur(func(c *Config) *time.Duration { return &c.StaleCheckEvery })},
	{"STALE_CHECK_INTERVAL", "stale-check", "stale job reconciliation interval", dur(func(c *Config) *time.Duration { return &c.StaleCheckEvery })},
	{"STALE_AFTER", "stale-after", "age of an in_progress job considered abandoned", dur(func(c *Config) *time.Duration { return &c.StaleAfter })},
	{"CHECK_CLIENT_HEALTH_INTERVAL", "health-interval", "server stats collection interval", dur(func(c *Config) *time.Duration { return &c.HealthEvery })},
	{"SERVER_DOMAIN", "server-domain", "parent domain of node host names", str(func(c *Config) *string { return &c.ServerDomain })},
	{"DEPLOYED_CC_SERVER_API_ENDPOINT", "api-endpoint", "control plane URL nodes call back", str(func(c *Config) *string { return &c.APIEndpoint })},
	{"CLIENT_GIT_REPO", "", "node agent repository", str(func(c *Config) *string { return &c.ClientRepo })},
	{"TEMPLATES_DIR", "templates", "directory overriding the built-in node templates", str(func(c *Config) *string { return &c.TemplatesDir })},
	{"SSH_USER", "", "administrative ssh user on nodes", str(func(c *Config) *string { return &c.SSHUser })},
	{"SSH_IDENTITY", "ssh-identity", "private key used to reach nodes", str(func(c *Config) *string { return &c.SSHIdentity })},
	{"SSH_KNOWN_HOSTS", "", "known_hosts file; host keys are not checked when empty", str(func(c *Config) *string { return &c.SSHKnownHosts })},
	{"SSH_PORT", "", "ssh port on nodes", func(c *Config, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid port %q", v)
		}
		c.SSHPort = p
		return nil
	}},
	{"PROVISION_LOCK_WAIT", "", "wait before checking apt locks on a new node", dur(func(c *Config) *time.Duration { return &c.LockWait })},
	{"DNS_NAMESERVER", "", "nameserver used for condition checks", str(func(c *Config) *string { return &c.DNSNameserver })},
	{"OVH_ENDPOINT", "", "OVH API endpoint", str(func(c *Config) *string { return &c.OVHEndpoint })},
	{"OVH_APP_KEY", "", "OVH application key", str(func(c *Config) *string { return &c.OVHAppKey })},
	{"OVH_APP_SECRET", "", "OVH application secret", str(func(c *Config) *string { return &c.OVHAppSecret })},
	{"OVH_CONSUMER_KEY", "", "OVH consumer key", str(func(c *Config) *string { return &c.OVHConsumerKey })},
	{"ZEROSSL_ACCESS_KEY", "", "ZeroSSL access key", str(func(c *Config) *string { return &c.ZeroSSLAccessKey })},
	{"ZEROSSL_BASE_URL", "", "ZeroSSL API base URL", str(func(c *Config) *string { return &c.ZeroSSLBaseURL })},
	{"CERT_EMAIL", "", "certificate request contact email", str(func(c *Config) *string { return &c.CertSubject.Email })},
	{"CERT_COUNTRY", "", "certificate request country", str(func(c *Config) *string { return &c.CertSubject.Country })},
	{"CERT_STATE", "", "certificate request state", str(func(c *Config) *string { return &c.CertSubject.State })},
	{"CERT_LOCALITY", "", "certificate request locality", str(func(c *Config) *string { return &c.CertSubject.Locality })},
	{"CERT_ORGANIZATION", "", "certificate request organization", str(func(c *Config) *string { return &c.CertSubject.Organization })},
	{"LOG_LEVEL", "log-level", "log level", str(func(c *Config) *string { return &c.LogLevel })},
	{"LOG_FORMAT", "log-format", "console or json", str(func(c *Config) *string { return &c.LogFormat })},
	{"DEBUG_PPROF", "debug", "serve pprof under /debug/pprof", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Debug = b
		return nil
	}},
}

var byEnv, byFlag = index()

func index() (map[string]setting, map[string]setting) {
	env := make(map[string]setting, len(settings))
	flag := make(map[string]setting)
	for _, s := range settings {
		env[s.env] = s
		if s.flag != "" {
			flag[s.flag] = s
		}
	}
	return env, flag
}
