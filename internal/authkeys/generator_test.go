package authkeys

import (
	"testing"

	"github.com/opskeys/keysyncd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_PragmaRoundTrip(t *testing.T) {
	manager := model.ManagerKey{Serial: 3, PublicKey: "ssh-ed25519 AAAAMANAGER keysyncd"}
	granted := []GrantedKey{
		{Username: "alice", Key: model.PublicKey{Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE", Name: "alice@laptop"}, Options: "no-pty"},
	}

	content, err := Generate("h1", "ubuntu", manager, granted, "")
	require.NoError(t, err)
	assert.True(t, HasPragma(content))

	lines := splitLines(content)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], PragmaBegin)
	assert.Contains(t, lines[1], manager.PublicKey)
	assert.Contains(t, lines[1], ManagerKeyRestrictions)
	assert.Equal(t, "no-pty ssh-ed25519 AAAAALICE alice@laptop", lines[2])
	assert.Equal(t, PragmaEnd, lines[3])

	// Round-trip the granted key line back through the parser.
	e := ParseLine(lines[2])
	require.NotNil(t, e.Authorized)
	assert.Equal(t, "no-pty", e.Authorized.Options)
	assert.Equal(t, "ssh-ed25519", e.Authorized.Algorithm)
	assert.Equal(t, "AAAAALICE", e.Authorized.Base64)
	assert.Equal(t, "alice@laptop", e.Authorized.Comment)
}

func TestGenerate_ReadOnlyRefuses(t *testing.T) {
	_, err := Generate("h1", "ubuntu", model.ManagerKey{}, nil, "filesystem mounted read-only")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestGenerate_StableSort(t *testing.T) {
	manager := model.ManagerKey{Serial: 1, PublicKey: "ssh-ed25519 AAAAMANAGER keysyncd"}
	granted := []GrantedKey{
		{Username: "bob", Key: model.PublicKey{Algorithm: "ssh-ed25519", Base64Blob: "AAAABOB", Name: "bob-key"}},
		{Username: "alice", Key: model.PublicKey{Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE", Name: "alice-key"}},
	}
	content, err := Generate("h1", "ubuntu", manager, granted, "")
	require.NoError(t, err)
	lines := splitLines(content)
	assert.Contains(t, lines[2], "alice-key")
	assert.Contains(t, lines[3], "bob-key")
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
