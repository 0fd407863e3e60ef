package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DeployKeys is the key pair a node uses to pull client repositories.
type DeployKeys struct {
	Private string // OpenSSH PEM
	Public  string // authorized_keys line
}

func GenerateDeployKeys(comment string) (DeployKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return DeployKeys{}, err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return DeployKeys{}, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return DeployKeys{}, err
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized += " " + comment
	}
	return DeployKeys{
		Private: string(pem.EncodeToMemory(block)),
		Public:  authorized,
	}, nil
}
