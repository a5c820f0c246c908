package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/opskeys/keysyncd/internal/authkeys"
	"github.com/opskeys/keysyncd/internal/cache"
	"github.com/opskeys/keysyncd/internal/diff"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/transport"
	"github.com/opskeys/keysyncd/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	expected   []diff.ExpectedAuthorization
	known      []diff.KnownKey
	manager    model.ManagerKey
	granted    map[string][]authkeys.GrantedKey
	grantedErr error
}

func (f *fakeSource) ExpectedAuthorizations(ctx context.Context, hostName string) ([]diff.ExpectedAuthorization, error) {
	return f.expected, nil
}
func (f *fakeSource) KnownKeys(ctx context.Context) ([]diff.KnownKey, error) { return f.known, nil }
func (f *fakeSource) ManagerKey(ctx context.Context) (model.ManagerKey, error) {
	return f.manager, nil
}
func (f *fakeSource) GrantedKeys(ctx context.Context, hostName, login string) ([]authkeys.GrantedKey, error) {
	if f.grantedErr != nil {
		return nil, f.grantedErr
	}
	return f.granted[login], nil
}

func setup(t *testing.T, state *model.ParsedState) (*cache.Cache, *transporttest.Connector, *transporttest.Fake) {
	t.Helper()
	c := cache.New(func(ctx context.Context, hostName string) (*model.ParsedState, error) {
		return state, nil
	})
	conn := transporttest.NewFake("ubuntu")
	connector := transporttest.NewConnector()
	connector.Add("h1", conn)
	return c, connector, conn
}

func TestReconcile_EmptyDiffIsNoop(t *testing.T) {
	manager := model.ManagerKey{PublicKey: "MANAGERKEY"}
	state := &model.ParsedState{Logins: []model.LoginState{{
		Login:     "ubuntu",
		HasPragma: true,
		Entries: []model.Entry{
			{Authorized: &model.AuthorizedEntry{Algorithm: "ssh-ed25519", Base64: "MANAGERKEY", Comment: "keysyncd"}},
		},
	}}}
	c, connector, conn := setup(t, state)
	src := &fakeSource{manager: manager}

	err := Reconcile(context.Background(), transport.HostSpec{Name: "h1", Login: "ubuntu"}, connector, c, src)
	require.NoError(t, err)
	_, wrote := conn.Contents("/home/ubuntu/.ssh/authorized_keys")
	assert.False(t, wrote, "an empty diff must not write anything")
}

func TestReconcile_WritesRenderedFileAndInvalidatesCache(t *testing.T) {
	manager := model.ManagerKey{PublicKey: "MANAGERKEY"}
	state := &model.ParsedState{Logins: []model.LoginState{{Login: "ubuntu", HasPragma: false}}}
	c, connector, conn := setup(t, state)
	fetches := 0
	c = cache.New(func(ctx context.Context, hostName string) (*model.ParsedState, error) {
		fetches++
		return state, nil
	})
	src := &fakeSource{
		manager:  manager,
		expected: []diff.ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Username: "alice"}},
		granted: map[string][]authkeys.GrantedKey{
			"ubuntu": {{Username: "alice", Key: model.PublicKey{Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE", Name: "alice"}}},
		},
	}

	err := Reconcile(context.Background(), transport.HostSpec{Name: "h1", Login: "ubuntu"}, connector, c, src)
	require.NoError(t, err)

	content, wrote := conn.Contents("/home/ubuntu/.ssh/authorized_keys")
	require.True(t, wrote)
	assert.Contains(t, string(content), "AAAAALICE")
	assert.Contains(t, string(content), "MANAGERKEY")

	c.Get(context.Background(), "h1", false)
	assert.Equal(t, 2, fetches, "the entry Reconcile fetched must be invalidated after the write")
}

func TestReconcile_ReadOnlyLoginStopsRun(t *testing.T) {
	manager := model.ManagerKey{PublicKey: "MANAGERKEY"}
	state := &model.ParsedState{Logins: []model.LoginState{{Login: "ubuntu", HasPragma: false, ReadonlyCondition: "permission denied"}}}
	c, connector, _ := setup(t, state)
	src := &fakeSource{
		manager:  manager,
		expected: []diff.ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Username: "alice"}},
		granted: map[string][]authkeys.GrantedKey{
			"ubuntu": {{Username: "alice", Key: model.PublicKey{Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE", Name: "alice"}}},
		},
	}

	err := Reconcile(context.Background(), transport.HostSpec{Name: "h1", Login: "ubuntu"}, connector, c, src)
	require.Error(t, err)
	var wf *WriteFailed
	require.ErrorAs(t, err, &wf)
	assert.ErrorIs(t, err, authkeys.ErrReadOnly)
}

func TestDecommission_WritesManagerKeyOnlyFile(t *testing.T) {
	manager := model.ManagerKey{PublicKey: "MANAGERKEY", Serial: 4}
	conn := transporttest.NewFake("ubuntu")
	connector := transporttest.NewConnector()
	connector.Add("h1", conn)

	err := Decommission(context.Background(), transport.HostSpec{Name: "h1", Login: "ubuntu"}, connector, manager, []string{"ubuntu"})
	require.NoError(t, err)

	content, wrote := conn.Contents("/home/ubuntu/.ssh/authorized_keys")
	require.True(t, wrote)
	assert.Contains(t, string(content), "MANAGERKEY")
	assert.NotContains(t, string(content), "AAAAALICE")
}

func TestDecommission_NoLoginsSkipsConnect(t *testing.T) {
	connector := transporttest.NewConnector() // no "h1" registered: Connect would fail if called

	err := Decommission(context.Background(), transport.HostSpec{Name: "h1", Login: "ubuntu"}, connector, model.ManagerKey{PublicKey: "MANAGERKEY"}, nil)
	require.NoError(t, err)
}

func TestReconcile_GrantedKeysErrorSurfacesWithoutInvalidating(t *testing.T) {
	manager := model.ManagerKey{PublicKey: "MANAGERKEY"}
	state := &model.ParsedState{Logins: []model.LoginState{{Login: "ubuntu", HasPragma: false}}}
	c, connector, _ := setup(t, state)
	fetches := 0
	c = cache.New(func(ctx context.Context, hostName string) (*model.ParsedState, error) {
		fetches++
		return state, nil
	})
	src := &fakeSource{
		manager:    manager,
		expected:   []diff.ExpectedAuthorization{{Base64: "AAAAALICE", Login: "ubuntu", Username: "alice"}},
		grantedErr: errors.New("repo unavailable"),
	}

	err := Reconcile(context.Background(), transport.HostSpec{Name: "h1", Login: "ubuntu"}, connector, c, src)
	require.Error(t, err)

	c.Get(context.Background(), "h1", false)
	assert.Equal(t, 1, fetches, "a failed write must leave the cached entry in place")
}
