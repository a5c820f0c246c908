package fetch

import (
	"encoding/base64"
	"testing"

	"github.com/opskeys/keysyncd/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(login string, hasPragma bool, readonlyCondition, content string) string {
	flag := "0"
	if hasPragma {
		flag = "1"
	}
	return "LOGIN\t" + login + "\t" + flag + "\t" + readonlyCondition + "\t" + base64.StdEncoding.EncodeToString([]byte(content)) + "\n"
}

func TestFetch_ParsesMultipleLogins(t *testing.T) {
	conn := transporttest.NewFake("probe")
	output := record("alice", true, "", "# keysyncd-BEGIN managed-by:keysyncd host:h1 login:alice serial:1\nssh-ed25519 AAAA alice@laptop\n# keysyncd-END managed-by:keysyncd\n") +
		record("bob", false, "permission denied", "ssh-rsa AAAA bob\n")
	conn.ScriptExec(remoteScript, struct {
		ExitCode int
		Output   string
		Err      error
	}{ExitCode: 0, Output: output})

	state, err := Fetch(conn, "h1")
	require.NoError(t, err)
	require.Len(t, state.Logins, 2)

	assert.Equal(t, "alice", state.Logins[0].Login)
	assert.True(t, state.Logins[0].HasPragma)
	assert.Empty(t, state.Logins[0].ReadonlyCondition)
	require.Len(t, state.Logins[0].Entries, 1)
	require.NotNil(t, state.Logins[0].Entries[0].Authorized)
	assert.Equal(t, "alice@laptop", state.Logins[0].Entries[0].Authorized.Comment)

	assert.True(t, state.Logins[0].HasSerial)
	assert.Equal(t, 1, state.Logins[0].Serial)

	assert.Equal(t, "bob", state.Logins[1].Login)
	assert.False(t, state.Logins[1].HasPragma)
	assert.Equal(t, "permission denied", state.Logins[1].ReadonlyCondition)
	assert.False(t, state.Logins[1].HasSerial)
}

func TestFetch_MalformedLineBecomesParseError(t *testing.T) {
	conn := transporttest.NewFake("probe")
	output := record("alice", false, "", "not a valid key line\n")
	conn.ScriptExec(remoteScript, struct {
		ExitCode int
		Output   string
		Err      error
	}{ExitCode: 0, Output: output})

	state, err := Fetch(conn, "h1")
	require.NoError(t, err)
	require.Len(t, state.Logins[0].Entries, 1)
	assert.Nil(t, state.Logins[0].Entries[0].Authorized)
	require.NotNil(t, state.Logins[0].Entries[0].Error)
}

func TestFetch_NonZeroExitIsFetchError(t *testing.T) {
	conn := transporttest.NewFake("probe")
	conn.ScriptExec(remoteScript, struct {
		ExitCode int
		Output   string
		Err      error
	}{ExitCode: 1, Output: "sh: getent: command not found"})

	_, err := Fetch(conn, "h1")
	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "h1", fe.HostName)
}
