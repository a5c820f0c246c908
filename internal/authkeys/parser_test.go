package authkeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_Simple(t *testing.T) {
	e := ParseLine("ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAA alice@laptop")
	require.NotNil(t, e.Authorized)
	require.Nil(t, e.Error)
	assert.Equal(t, "", e.Authorized.Options)
	assert.Equal(t, "ssh-ed25519", e.Authorized.Algorithm)
	assert.Equal(t, "AAAAC3NzaC1lZDI1NTE5AAAA", e.Authorized.Base64)
	assert.Equal(t, "alice@laptop", e.Authorized.Comment)
}

func TestParseLine_WithOptions(t *testing.T) {
	e := ParseLine(`no-pty,from="10.0.0.0/8" ssh-rsa AAAAB3NzaC1yc2EAAAA bob`)
	require.NotNil(t, e.Authorized)
	assert.Equal(t, `no-pty,from="10.0.0.0/8"`, e.Authorized.Options)
	assert.Equal(t, "ssh-rsa", e.Authorized.Algorithm)
	assert.Equal(t, "bob", e.Authorized.Comment)
}

func TestParseLine_QuotedCommaInOptions(t *testing.T) {
	e := ParseLine(`command="echo a,b,c",no-pty ssh-ed25519 AAAA x`)
	require.NotNil(t, e.Authorized)
	assert.Equal(t, `command="echo a,b,c",no-pty`, e.Authorized.Options)
}

func TestParseLine_NoComment(t *testing.T) {
	e := ParseLine("ssh-ed25519 AAAA")
	require.NotNil(t, e.Authorized)
	assert.Equal(t, "", e.Authorized.Comment, "empty comments are reported as absent")
}

func TestParseLine_Garbage(t *testing.T) {
	e := ParseLine("this is garbage")
	require.Nil(t, e.Authorized)
	require.NotNil(t, e.Error)
	assert.Equal(t, "this is garbage", e.Error.OriginalLine)
}

func TestParseLine_Empty(t *testing.T) {
	e := ParseLine("")
	require.NotNil(t, e.Error)
}

func TestParseLine_UnterminatedQuote(t *testing.T) {
	e := ParseLine(`from="10.0.0.0 ssh-ed25519 AAAA`)
	require.NotNil(t, e.Error)
}

func TestNormalizeOptions_OrderSensitive(t *testing.T) {
	a := NormalizeOptions("no-pty,no-X11-forwarding")
	b := NormalizeOptions("no-X11-forwarding,no-pty")
	assert.NotEqual(t, a, b, "normalization is deliberately order-sensitive")
}

func TestNormalizeOptions_TrimsWhitespace(t *testing.T) {
	assert.Equal(t, "no-pty,no-pty2", NormalizeOptions(" no-pty , no-pty2 "))
}
