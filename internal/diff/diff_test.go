package diff

import (
	"testing"

	"github.com/opskeys/keysyncd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authorizedEntry(options, algo, base64, comment string) model.Entry {
	return model.Entry{Authorized: &model.AuthorizedEntry{Options: options, Algorithm: algo, Base64: base64, Comment: comment}}
}

func TestDiff_EmptyWhenEverythingMatches(t *testing.T) {
	expected := []ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Options: "no-pty", Username: "alice"}}
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries: []model.Entry{
			authorizedEntry("", "ssh-ed25519", "MANAGERKEY", "keysyncd"),
			authorizedEntry("no-pty", "ssh-ed25519", "AAAAALICE", "alice"),
		},
	}}}

	items := Diff(expected, nil, "MANAGERKEY", 0, remote)
	assert.Empty(t, items, "a fully matching login should be dropped from the diff")
}

func TestDiff_PragmaMissingIsPrepended(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: false,
		Entries:   []model.Entry{authorizedEntry("", "ssh-ed25519", "AAAAUNKNOWN", "")},
	}}}

	items := Diff(nil, nil, "MANAGERKEY", 0, remote)
	require.NotEmpty(t, items)
	assert.Equal(t, KindPragmaMissing, items[0].Kind)
}

func TestDiff_KeyMissing(t *testing.T) {
	expected := []ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Username: "alice"}}
	remote := &model.ParsedState{Logins: []model.LoginState{{Login: "ubuntu", HasPragma: true}}}

	items := Diff(expected, nil, "MANAGERKEY", 0, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindKeyMissing, items[0].Kind)
	assert.Equal(t, "alice", items[0].Username)
}

func TestDiff_UnauthorizedKey(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries:   []model.Entry{authorizedEntry("", "ssh-ed25519", "AAAABOB", "bob")},
	}}}
	known := []KnownKey{{Base64: "AAAABOB", Username: "bob"}}

	items := Diff(nil, known, "MANAGERKEY", 0, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindUnauthorizedKey, items[0].Kind)
	assert.Equal(t, "bob", items[0].Username)
}

func TestDiff_UnknownKey(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries:   []model.Entry{authorizedEntry("", "ssh-ed25519", "AAAASTRANGER", "")},
	}}}

	items := Diff(nil, nil, "MANAGERKEY", 0, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindUnknownKey, items[0].Kind)
}

func TestDiff_DuplicateKey(t *testing.T) {
	expected := []ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Username: "alice"}}
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries: []model.Entry{
			authorizedEntry("", "ssh-ed25519", "AAAAALICE", "alice"),
			authorizedEntry("", "ssh-ed25519", "AAAAALICE", "alice"),
		},
	}}}

	items := Diff(expected, nil, "MANAGERKEY", 0, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindDuplicateKey, items[0].Kind)
}

func TestDiff_IncorrectOptions(t *testing.T) {
	expected := []ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Options: "no-pty", Username: "alice"}}
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries:   []model.Entry{authorizedEntry("no-pty,no-X11-forwarding", "ssh-ed25519", "AAAAALICE", "alice")},
	}}}

	items := Diff(expected, nil, "MANAGERKEY", 0, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindIncorrectOptions, items[0].Kind)
}

func TestDiff_FaultyKeyPreservesOriginalLine(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries:   []model.Entry{{Error: &model.ParseError{Message: "no key found", OriginalLine: "garbage line"}}},
	}}}

	items := Diff(nil, nil, "MANAGERKEY", 0, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindFaultyKey, items[0].Kind)
	assert.Equal(t, "garbage line", items[0].OriginalLine)
}

func TestDiff_ManagerKeyIgnored(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries:   []model.Entry{authorizedEntry("", "ssh-ed25519", "MANAGERKEY", "keysyncd")},
	}}}

	items := Diff(nil, nil, "MANAGERKEY", 0, remote)
	assert.Empty(t, items)
}

func TestDiff_StaleSerialIsPrepended(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Serial:    2,
		HasSerial: true,
		Entries:   []model.Entry{authorizedEntry("", "ssh-ed25519", "MANAGERKEY", "keysyncd")},
	}}}

	items := Diff(nil, nil, "MANAGERKEY", 3, remote)
	require.Len(t, items, 1)
	assert.Equal(t, KindStaleSerial, items[0].Kind)
	assert.Equal(t, 2, items[0].ObservedSerial)
	assert.Equal(t, 3, items[0].CurrentSerial)
}

func TestDiff_MatchingSerialProducesNoItem(t *testing.T) {
	remote := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Serial:    3,
		HasSerial: true,
		Entries:   []model.Entry{authorizedEntry("", "ssh-ed25519", "MANAGERKEY", "keysyncd")},
	}}}

	items := Diff(nil, nil, "MANAGERKEY", 3, remote)
	assert.Empty(t, items)
}
