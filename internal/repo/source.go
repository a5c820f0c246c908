// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package repo

import (
	"context"

	"github.com/opskeys/keysyncd/internal/authkeys"
	"github.com/opskeys/keysyncd/internal/diff"
	"github.com/opskeys/keysyncd/internal/model"
)

// ReconcileSource adapts a Store to reconcile.Source and diff's input
// shapes, translating the repository's normalized rows into the flat
// tuples the diff engine and generator expect.
type ReconcileSource struct {
	Store Store
}

func (r ReconcileSource) ExpectedAuthorizations(ctx context.Context, hostName string) ([]diff.ExpectedAuthorization, error) {
	details, err := r.Store.ListAuthorizationsForHost(ctx, hostName)
	if err != nil {
		return nil, err
	}
	var out []diff.ExpectedAuthorization
	for _, d := range details {
		if !d.UserEnabled {
			continue
		}
		out = append(out, diff.ExpectedAuthorization{
			Base64:   d.Key.Base64Blob,
			Login:    d.Authorization.Login,
			Options:  d.Authorization.Options,
			Username: d.Username,
		})
	}
	return out, nil
}

func (r ReconcileSource) KnownKeys(ctx context.Context) ([]diff.KnownKey, error) {
	keys, err := r.Store.ListPublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	users, err := r.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	usernameByID := make(map[int]string, len(users))
	for _, u := range users {
		usernameByID[u.ID] = u.Username
	}

	var out []diff.KnownKey
	for _, k := range keys {
		out = append(out, diff.KnownKey{Base64: k.Base64Blob, Username: usernameByID[k.OwnerUserID]})
	}
	return out, nil
}

func (r ReconcileSource) ManagerKey(ctx context.Context) (model.ManagerKey, error) {
	k, err := r.Store.ActiveManagerKey(ctx)
	if err != nil {
		return model.ManagerKey{}, err
	}
	return *k, nil
}

func (r ReconcileSource) GrantedKeys(ctx context.Context, hostName, login string) ([]authkeys.GrantedKey, error) {
	details, err := r.Store.ListAuthorizationsForHost(ctx, hostName)
	if err != nil {
		return nil, err
	}
	var out []authkeys.GrantedKey
	for _, d := range details {
		if !d.UserEnabled || d.Authorization.Login != login {
			continue
		}
		out = append(out, authkeys.GrantedKey{Key: d.Key, Username: d.Username, Options: d.Authorization.Options})
	}
	return out, nil
}
