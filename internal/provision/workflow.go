// Package provision installs the node agent on a freshly ordered server.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"deployd/internal/remote"
)

// Transport opens a remote session on a node.
type Transport interface {
	Connect(ctx context.Context, host string) (remote.Session, error)
}

type Config struct {
	Domain       string // SERVER_DOMAIN
	APIEndpoint  string // control plane URL the node calls back
	ClientRepo   string // node agent repository
	TemplatesDir string // empty means built-in templates
	LockWait     time.Duration
	RemoteDir    string
}

// Node is what the workflow needs to know about the server being set up.
type Node struct {
	ServerID string
	PublicIP string
	PrivKey  string
	PubKey   string
	APIKey   string
}

type Workflow struct {
	transport Transport
	cfg       Config
}

func New(t Transport, cfg Config) *Workflow {
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/root"
	}
	if cfg.LockWait < 0 {
		cfg.LockWait = 0
	}
	return &Workflow{transport: t, cfg: cfg}
}

type clusterConfig struct {
	APIKey   string `json:"api_key"`
	ServerID string `json:"server_id"`
}

// Provision connects to the node, uploads its configuration and runs the
// setup script. It returns once the script exits.
func (w *Workflow) Provision(ctx context.Context, n Node) error {
	serverID := strings.ToLower(n.ServerID)
	logger := zerolog.Ctx(ctx).With().Str("server_id", serverID).Logger()

	sess, err := w.transport.Connect(ctx, n.PublicIP)
	if err != nil {
		return fmt.Errorf("cannot ssh into a new server: %w", err)
	}
	defer sess.Close()
	logger.Info().Str("ip", n.PublicIP).Msg("connected to a server over ssh")

	tpl, err := LoadTemplates(w.cfg.TemplatesDir)
	if err != nil {
		return err
	}
	files := Render(tpl, Values{
		ServerID:    serverID,
		Domain:      w.cfg.Domain,
		APIEndpoint: w.cfg.APIEndpoint,
		ClientRepo:  w.cfg.ClientRepo,
		PrivKey:     n.PrivKey,
		PubKey:      n.PubKey,
	})
	conf, err := json.Marshal(clusterConfig{APIKey: n.APIKey, ServerID: serverID})
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "deployd-"+serverID+"-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	staged := []struct {
		name    string
		content []byte
		mode    os.FileMode
	}{
		{"cluster_config.json", conf, 0o600},
		{"setup_server.sh", []byte(files.Setup), 0},
		{"haproxy.cfg", []byte(files.HAProxy), 0},
		{"haproxy-ssl.cfg", []byte(files.HAProxySSL), 0},
	}
	transfers := make([]remote.Transfer, 0, len(staged))
	for _, f := range staged {
		local := filepath.Join(tmp, f.name)
		if err := os.WriteFile(local, f.content, 0o600); err != nil {
			return fmt.Errorf("stage %s: %w", f.name, err)
		}
		transfers = append(transfers, remote.Transfer{
			Local:  local,
			Remote: path.Join(w.cfg.RemoteDir, f.name),
			Mode:   f.mode,
		})
	}
	if err := sess.PutFiles(ctx, transfers); err != nil {
		return err
	}
	logger.Info().Int("files", len(transfers)).Msg("put files to a server over ssh")

	stdout := NewLineWriter(func(line string) {
		logger.Info().Str("stream", "stdout").Msg(line)
	})
	stderr := NewLineWriter(func(line string) {
		logger.Info().Str("stream", "stderr").Msg(line)
	})
	run := func(name, cmd string) error {
		err := sess.Exec(ctx, cmd, stdout, stderr)
		stdout.Flush()
		stderr.Flush()
		if err == nil {
			return nil
		}
		last := stderr.Last()
		if last == "" {
			last = stdout.Last()
		}
		if code := remote.ExitStatus(err); code >= 0 {
			return fmt.Errorf("%s exited with status %d: %s", name, code, last)
		}
		return fmt.Errorf("%s: %w (last output: %q)", name, err, last)
	}

	if err := run("chmod", w.chmodCommand()); err != nil {
		return err
	}
	logger.Info().Msg("start provisioning a server")
	if err := run("setup_server.sh", w.setupCommand()); err != nil {
		return err
	}
	logger.Info().Msg("server provisioned")
	return nil
}

func (w *Workflow) chmodCommand() string {
	return fmt.Sprintf("cd %s && chmod +x setup_server.sh", shellQuote(w.cfg.RemoteDir))
}

// setupCommand waits for unattended apt runs on a fresh image to release
// the dpkg locks before starting the script.
func (w *Workflow) setupCommand() string {
	script := fmt.Sprintf("sleep %d && while sudo fuser /var/{lib/{dpkg,apt/lists},cache/apt/archives}/lock >/dev/null 2>&1; do sleep 1; done && ./setup_server.sh",
		int(w.cfg.LockWait/time.Second))
	return fmt.Sprintf("cd %s && bash -c %s", shellQuote(w.cfg.RemoteDir), shellQuote(script))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
