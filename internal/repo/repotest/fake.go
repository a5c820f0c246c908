// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package repotest provides an in-memory repo.Store double for tests that
// need the full interface (CLI command tests, reconciler integration
// tests) without standing up a real database.
package repotest

import (
	"context"
	"sort"
	"sync"

	"github.com/uptrace/bun"

	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/repo"
)

// Fake is an in-memory repo.Store. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	nextID int

	hosts          map[int]model.Host
	users          map[int]model.User
	keys           map[int]model.PublicKey
	authorizations map[int]model.Authorization
	activity       []model.ActivityEntry
	managerKeys    []model.ManagerKey
	bootstrap      map[string]model.BootstrapSession
}

// New returns an empty Fake store.
func New() *Fake {
	return &Fake{
		hosts:          make(map[int]model.Host),
		users:          make(map[int]model.User),
		keys:           make(map[int]model.PublicKey),
		authorizations: make(map[int]model.Authorization),
		bootstrap:      make(map[string]model.BootstrapSession),
	}
}

func (f *Fake) id() int {
	f.nextID++
	return f.nextID
}

func (f *Fake) CreateHost(ctx context.Context, h *model.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.ID = f.id()
	f.hosts[h.ID] = *h
	return nil
}

func (f *Fake) GetHost(ctx context.Context, id int) (*model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &h, nil
}

func (f *Fake) GetHostByName(ctx context.Context, name string) (*model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hosts {
		if h.Name == name {
			return &h, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *Fake) ListHosts(ctx context.Context) ([]model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Host
	for _, h := range f.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) UpdateHost(ctx context.Context, h *model.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hosts[h.ID]; !ok {
		return repo.ErrNotFound
	}
	f.hosts[h.ID] = *h
	return nil
}

func (f *Fake) DeleteHost(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hosts, id)
	for authID, a := range f.authorizations {
		if a.HostID == id {
			delete(f.authorizations, authID)
		}
	}
	return nil
}

func (f *Fake) SetHostFingerprint(ctx context.Context, hostID int, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[hostID]
	if !ok {
		return repo.ErrNotFound
	}
	h.HostKeyFingerprint = fingerprint
	f.hosts[hostID] = h
	return nil
}

func (f *Fake) CreateUser(ctx context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = f.id()
	f.users[u.ID] = *u
	return nil
}

func (f *Fake) GetUser(ctx context.Context, id int) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &u, nil
}

func (f *Fake) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *Fake) ListUsers(ctx context.Context) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.User
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *Fake) UpdateUser(ctx context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.ID]; !ok {
		return repo.ErrNotFound
	}
	f.users[u.ID] = *u
	return nil
}

func (f *Fake) DeleteUser(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
	for keyID, k := range f.keys {
		if k.OwnerUserID == id {
			delete(f.keys, keyID)
		}
	}
	for authID, a := range f.authorizations {
		if a.UserID == id {
			delete(f.authorizations, authID)
		}
	}
	return nil
}

func (f *Fake) AddPublicKey(ctx context.Context, k *model.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k.ID = f.id()
	f.keys[k.ID] = *k
	return nil
}

func (f *Fake) ListPublicKeys(ctx context.Context) ([]model.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PublicKey
	for _, k := range f.keys {
		out = append(out, k)
	}
	return out, nil
}

func (f *Fake) ListPublicKeysForUser(ctx context.Context, userID int) ([]model.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.PublicKey
	for _, k := range f.keys {
		if k.OwnerUserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *Fake) GetPublicKey(ctx context.Context, id int) (*model.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &k, nil
}

func (f *Fake) ReassignPublicKey(ctx context.Context, keyID, newOwnerUserID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok {
		return repo.ErrNotFound
	}
	k.OwnerUserID = newOwnerUserID
	f.keys[keyID] = k
	return nil
}

func (f *Fake) DeletePublicKey(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, id)
	return nil
}

func (f *Fake) CreateAuthorization(ctx context.Context, a *model.Authorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = f.id()
	f.authorizations[a.ID] = *a
	return nil
}

func (f *Fake) DeleteAuthorization(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.authorizations, id)
	return nil
}

func (f *Fake) ListAuthorizationsForHost(ctx context.Context, hostName string) ([]repo.AuthorizationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var host *model.Host
	for _, h := range f.hosts {
		if h.Name == hostName {
			hc := h
			host = &hc
			break
		}
	}
	if host == nil {
		return nil, nil
	}

	var out []repo.AuthorizationDetail
	for _, a := range f.authorizations {
		if a.HostID != host.ID {
			continue
		}
		out = append(out, f.detailFor(a, *host))
	}
	return out, nil
}

func (f *Fake) ListAuthorizationsForUser(ctx context.Context, username string) ([]repo.AuthorizationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var user *model.User
	for _, u := range f.users {
		if u.Username == username {
			uc := u
			user = &uc
			break
		}
	}
	if user == nil {
		return nil, nil
	}

	var out []repo.AuthorizationDetail
	for _, a := range f.authorizations {
		if a.UserID != user.ID {
			continue
		}
		host := f.hosts[a.HostID]
		out = append(out, f.detailFor(a, host))
	}
	return out, nil
}

// detailFor must be called with f.mu held.
func (f *Fake) detailFor(a model.Authorization, host model.Host) repo.AuthorizationDetail {
	user := f.users[a.UserID]
	var key model.PublicKey
	for _, k := range f.keys {
		if k.OwnerUserID == a.UserID {
			key = k
			break
		}
	}
	return repo.AuthorizationDetail{
		Authorization: a,
		Key:           key,
		Username:      user.Username,
		UserEnabled:   user.Enabled,
		HostName:      host.Name,
	}
}

func (f *Fake) LogActivity(ctx context.Context, e *model.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = f.id()
	f.activity = append(f.activity, *e)
	return nil
}

func (f *Fake) ListActivity(ctx context.Context, limit int) ([]model.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ActivityEntry, len(f.activity))
	copy(out, f.activity)
	sort.Slice(out, func(i, j int) bool { return out[i].UnixTS > out[j].UnixTS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) CreateManagerKey(ctx context.Context, k *model.ManagerKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k.ID = f.id()
	f.managerKeys = append(f.managerKeys, *k)
	return nil
}

func (f *Fake) ActiveManagerKey(ctx context.Context) (*model.ManagerKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.managerKeys {
		if k.IsActive {
			kc := k
			return &kc, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *Fake) RotateManagerKey(ctx context.Context, k *model.ManagerKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.managerKeys {
		f.managerKeys[i].IsActive = false
	}
	k.ID = f.id()
	k.IsActive = true
	f.managerKeys = append(f.managerKeys, *k)
	return nil
}

func (f *Fake) CreateBootstrapSession(ctx context.Context, s *model.BootstrapSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrap[s.ID] = *s
	return nil
}

func (f *Fake) GetBootstrapSession(ctx context.Context, id string) (*model.BootstrapSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.bootstrap[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &s, nil
}

func (f *Fake) UpdateBootstrapSessionStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.bootstrap[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.Status = status
	f.bootstrap[id] = s
	return nil
}

func (f *Fake) DeleteBootstrapSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bootstrap, id)
	return nil
}

func (f *Fake) BunDB() *bun.DB { return nil }

func (f *Fake) Close() error { return nil }

var _ repo.Store = (*Fake)(nil)
