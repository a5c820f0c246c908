package repo

import (
	"context"
	"testing"

	"github.com/opskeys/keysyncd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BunStore {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := Open(ctx, SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBunStore(db)
}

func TestBunStore_HostCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := &model.Host{Name: "web1", Address: "10.0.0.1", Port: 22, Login: "ubuntu"}
	require.NoError(t, s.CreateHost(ctx, h))
	assert.NotZero(t, h.ID)

	got, err := s.GetHostByName(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Address)

	got.HostKeyFingerprint = "SHA256:abc"
	require.NoError(t, s.SetHostFingerprint(ctx, got.ID, "SHA256:abc"))

	reloaded, err := s.GetHost(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, "SHA256:abc", reloaded.HostKeyFingerprint)

	require.NoError(t, s.DeleteHost(ctx, got.ID))
	_, err = s.GetHost(ctx, got.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunStore_AuthorizationJoin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := &model.Host{Name: "web1", Address: "10.0.0.1", Port: 22, Login: "ubuntu"}
	require.NoError(t, s.CreateHost(ctx, h))

	u := &model.User{Username: "alice", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, u))

	k := &model.PublicKey{OwnerUserID: u.ID, Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE", Name: "alice@laptop"}
	require.NoError(t, s.AddPublicKey(ctx, k))

	a := &model.Authorization{HostID: h.ID, UserID: u.ID, Login: "ubuntu", Options: "no-pty"}
	require.NoError(t, s.CreateAuthorization(ctx, a))

	details, err := s.ListAuthorizationsForHost(ctx, "web1")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "alice", details[0].Username)
	assert.Equal(t, "AAAAALICE", details[0].Key.Base64Blob)
	assert.Equal(t, "no-pty", details[0].Authorization.Options)
}

func TestBunStore_DeleteHostCascadesAuthorizations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := &model.Host{Name: "web1", Address: "10.0.0.1", Port: 22, Login: "ubuntu"}
	require.NoError(t, s.CreateHost(ctx, h))
	u := &model.User{Username: "alice", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, u))
	k := &model.PublicKey{OwnerUserID: u.ID, Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE"}
	require.NoError(t, s.AddPublicKey(ctx, k))
	a := &model.Authorization{HostID: h.ID, UserID: u.ID, Login: "ubuntu"}
	require.NoError(t, s.CreateAuthorization(ctx, a))

	require.NoError(t, s.DeleteHost(ctx, h.ID))

	details, err := s.ListAuthorizationsForHost(ctx, "web1")
	require.NoError(t, err)
	assert.Empty(t, details, "deleting a host must cascade-delete its authorizations")
}

func TestBunStore_ReassignPublicKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	alice := &model.User{Username: "alice", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, alice))
	bob := &model.User{Username: "bob", Enabled: true}
	require.NoError(t, s.CreateUser(ctx, bob))

	k := &model.PublicKey{OwnerUserID: alice.ID, Algorithm: "ssh-ed25519", Base64Blob: "AAAAALICE"}
	require.NoError(t, s.AddPublicKey(ctx, k))

	require.NoError(t, s.ReassignPublicKey(ctx, k.ID, bob.ID))

	got, err := s.GetPublicKey(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, got.OwnerUserID)

	aliceKeys, err := s.ListPublicKeysForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, aliceKeys)

	bobKeys, err := s.ListPublicKeysForUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, bobKeys, 1)
}

func TestBunStore_GetPublicKeyNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetPublicKey(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBunStore_ManagerKeyRotation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	k1 := &model.ManagerKey{Serial: 1, PublicKey: "ssh-ed25519 AAAA1", PrivateKey: "pem1", IsActive: true}
	require.NoError(t, s.CreateManagerKey(ctx, k1))

	active, err := s.ActiveManagerKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Serial)

	k2 := &model.ManagerKey{Serial: 2, PublicKey: "ssh-ed25519 AAAA2", PrivateKey: "pem2"}
	require.NoError(t, s.RotateManagerKey(ctx, k2))

	active, err = s.ActiveManagerKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Serial)
}
