package tofu

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/opskeys/keysyncd/internal/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func fakePublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func fingerprintOf(key ssh.PublicKey) string {
	return transport.Fingerprint(key)
}
