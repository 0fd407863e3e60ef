package provision

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

//go:embed templates/haproxy.cfg templates/setup_server.sh
var builtin embed.FS

const (
	haproxyTemplate = "haproxy.cfg"
	setupTemplate   = "setup_server.sh"
)

// Templates holds the raw node configuration templates.
type Templates struct {
	HAProxy string
	Setup   string
}

// LoadTemplates reads the templates from dir, or the built-in copies when
// dir is empty.
func LoadTemplates(dir string) (Templates, error) {
	var fsys fs.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	} else {
		sub, err := fs.Sub(builtin, "templates")
		if err != nil {
			return Templates{}, err
		}
		fsys = sub
	}

	haproxy, err := fs.ReadFile(fsys, haproxyTemplate)
	if err != nil {
		return Templates{}, fmt.Errorf("load %s template: %w", haproxyTemplate, err)
	}
	setup, err := fs.ReadFile(fsys, setupTemplate)
	if err != nil {
		return Templates{}, fmt.Errorf("load %s template: %w", setupTemplate, err)
	}
	return Templates{HAProxy: string(haproxy), Setup: string(setup)}, nil
}

// Values fills the {{...}} placeholders of the templates.
type Values struct {
	ServerID    string
	Domain      string
	APIEndpoint string
	ClientRepo  string
	PrivKey     string
	PubKey      string
}

func (v Values) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{{server_id}}", v.ServerID,
		"{{domain}}", v.Domain,
		"{{url}}", v.APIEndpoint,
		"{{client_URL}}", v.ClientRepo,
		"{{priv_key}}", v.PrivKey,
		"{{pub_key}}", v.PubKey,
	)
}

// Rendered is the set of files uploaded to a node.
type Rendered struct {
	HAProxy    string
	HAProxySSL string
	Setup      string
}

func Render(t Templates, v Values) Rendered {
	r := v.replacer()
	haproxy := r.Replace(t.HAProxy)
	ssl := strings.Replace(haproxy, "#bind *:443 ssl", "bind *:443 ssl", 1)
	ssl = strings.Replace(ssl, "#redirect scheme", "redirect scheme", 1)
	return Rendered{
		HAProxy:    haproxy,
		HAProxySSL: ssl,
		Setup:      r.Replace(t.Setup),
	}
}
