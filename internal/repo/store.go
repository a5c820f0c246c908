// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/opskeys/keysyncd/internal/model"
)

// ErrNotFound is returned by single-row lookups that matched nothing.
var ErrNotFound = errors.New("repo: not found")

// AuthorizationDetail is one authorization row joined with its owning
// key and user, as the diff engine and generator need it.
type AuthorizationDetail struct {
	Authorization model.Authorization
	Key           model.PublicKey
	Username      string
	UserEnabled   bool
	HostName      string
}

// Store is the narrow repository interface covering CRUD for hosts, users,
// keys, authorizations, and activity entries, plus the joined listings the
// diff engine and generator consume.
type Store interface {
	CreateHost(ctx context.Context, h *model.Host) error
	GetHost(ctx context.Context, id int) (*model.Host, error)
	GetHostByName(ctx context.Context, name string) (*model.Host, error)
	ListHosts(ctx context.Context) ([]model.Host, error)
	UpdateHost(ctx context.Context, h *model.Host) error
	DeleteHost(ctx context.Context, id int) error
	SetHostFingerprint(ctx context.Context, hostID int, fingerprint string) error

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error
	DeleteUser(ctx context.Context, id int) error

	AddPublicKey(ctx context.Context, k *model.PublicKey) error
	GetPublicKey(ctx context.Context, id int) (*model.PublicKey, error)
	ListPublicKeys(ctx context.Context) ([]model.PublicKey, error)
	ListPublicKeysForUser(ctx context.Context, userID int) ([]model.PublicKey, error)
	ReassignPublicKey(ctx context.Context, keyID, newOwnerUserID int) error
	DeletePublicKey(ctx context.Context, id int) error

	CreateAuthorization(ctx context.Context, a *model.Authorization) error
	DeleteAuthorization(ctx context.Context, id int) error
	ListAuthorizationsForHost(ctx context.Context, hostName string) ([]AuthorizationDetail, error)
	ListAuthorizationsForUser(ctx context.Context, username string) ([]AuthorizationDetail, error)

	LogActivity(ctx context.Context, e *model.ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]model.ActivityEntry, error)

	CreateManagerKey(ctx context.Context, k *model.ManagerKey) error
	ActiveManagerKey(ctx context.Context) (*model.ManagerKey, error)
	RotateManagerKey(ctx context.Context, k *model.ManagerKey) error

	CreateBootstrapSession(ctx context.Context, s *model.BootstrapSession) error
	GetBootstrapSession(ctx context.Context, id string) (*model.BootstrapSession, error)
	UpdateBootstrapSessionStatus(ctx context.Context, id, status string) error
	DeleteBootstrapSession(ctx context.Context, id string) error

	BunDB() *bun.DB
	Close() error
}

// BunStore is the bun-backed Store implementation, usable unmodified
// against sqlite, mysql, or postgres — dialect-specific behavior lives
// entirely in Open and the embedded migrations, not here.
type BunStore struct {
	db *bun.DB
}

// NewBunStore wraps an already-opened, already-migrated bun.DB (see Open).
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) BunDB() *bun.DB { return s.db }

func (s *BunStore) Close() error { return s.db.Close() }

func (s *BunStore) CreateHost(ctx context.Context, h *model.Host) error {
	_, err := s.db.NewInsert().Model(h).Exec(ctx)
	return err
}

func (s *BunStore) GetHost(ctx context.Context, id int) (*model.Host, error) {
	h := new(model.Host)
	if err := s.db.NewSelect().Model(h).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return h, nil
}

func (s *BunStore) GetHostByName(ctx context.Context, name string) (*model.Host, error) {
	h := new(model.Host)
	if err := s.db.NewSelect().Model(h).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return h, nil
}

func (s *BunStore) ListHosts(ctx context.Context) ([]model.Host, error) {
	var hosts []model.Host
	err := s.db.NewSelect().Model(&hosts).OrderExpr("name").Scan(ctx)
	return hosts, err
}

func (s *BunStore) UpdateHost(ctx context.Context, h *model.Host) error {
	_, err := s.db.NewUpdate().Model(h).WherePK().Exec(ctx)
	return err
}

func (s *BunStore) DeleteHost(ctx context.Context, id int) error {
	_, err := s.db.NewDelete().Model((*model.Host)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *BunStore) SetHostFingerprint(ctx context.Context, hostID int, fingerprint string) error {
	_, err := s.db.NewUpdate().Model((*model.Host)(nil)).
		Set("host_key_fingerprint = ?", fingerprint).
		Where("id = ?", hostID).
		Exec(ctx)
	return err
}

func (s *BunStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.NewInsert().Model(u).Exec(ctx)
	return err
}

func (s *BunStore) GetUser(ctx context.Context, id int) (*model.User, error) {
	u := new(model.User)
	if err := s.db.NewSelect().Model(u).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return u, nil
}

func (s *BunStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u := new(model.User)
	if err := s.db.NewSelect().Model(u).Where("username = ?", username).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return u, nil
}

func (s *BunStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.db.NewSelect().Model(&users).OrderExpr("username").Scan(ctx)
	return users, err
}

func (s *BunStore) UpdateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.NewUpdate().Model(u).WherePK().Exec(ctx)
	return err
}

func (s *BunStore) DeleteUser(ctx context.Context, id int) error {
	_, err := s.db.NewDelete().Model((*model.User)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *BunStore) AddPublicKey(ctx context.Context, k *model.PublicKey) error {
	_, err := s.db.NewInsert().Model(k).Exec(ctx)
	return err
}

func (s *BunStore) ListPublicKeys(ctx context.Context) ([]model.PublicKey, error) {
	var keys []model.PublicKey
	err := s.db.NewSelect().Model(&keys).Scan(ctx)
	return keys, err
}

func (s *BunStore) ListPublicKeysForUser(ctx context.Context, userID int) ([]model.PublicKey, error) {
	var keys []model.PublicKey
	err := s.db.NewSelect().Model(&keys).Where("owner_user_id = ?", userID).Scan(ctx)
	return keys, err
}

func (s *BunStore) GetPublicKey(ctx context.Context, id int) (*model.PublicKey, error) {
	k := new(model.PublicKey)
	if err := s.db.NewSelect().Model(k).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return k, nil
}

// ReassignPublicKey moves a key to a different owner, for operators
// transferring a key between identities without losing its authorization
// history (deleting and re-adding would orphan nothing since authorizations
// key off the user, not the key, but it would lose the key's ID and name).
func (s *BunStore) ReassignPublicKey(ctx context.Context, keyID, newOwnerUserID int) error {
	_, err := s.db.NewUpdate().Model((*model.PublicKey)(nil)).
		Set("owner_user_id = ?", newOwnerUserID).
		Where("id = ?", keyID).
		Exec(ctx)
	return err
}

func (s *BunStore) DeletePublicKey(ctx context.Context, id int) error {
	_, err := s.db.NewDelete().Model((*model.PublicKey)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *BunStore) CreateAuthorization(ctx context.Context, a *model.Authorization) error {
	_, err := s.db.NewInsert().Model(a).Exec(ctx)
	return err
}

func (s *BunStore) DeleteAuthorization(ctx context.Context, id int) error {
	_, err := s.db.NewDelete().Model((*model.Authorization)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// ListAuthorizationsForHost scans into a flat anonymous row struct built for
// the hand-written join query; bun's relation loading works best with model.BaseModel-tagged
// structs on both sides, but Authorization/PublicKey/User/Host don't
// declare bun relation tags (the schema has no single natural belongs-to
// shape shared by every caller), so the join is built explicitly here
// instead, scanning straight into AuthorizationDetail's flattened fields.
func (s *BunStore) ListAuthorizationsForHost(ctx context.Context, hostName string) ([]AuthorizationDetail, error) {
	var rows []struct {
		bun.BaseModel `bun:"table:authorizations,alias:a"`

		AuthID        int    `bun:"a.id"`
		HostID        int    `bun:"a.host_id"`
		UserID        int    `bun:"a.user_id"`
		Login         string `bun:"a.login"`
		Options       string `bun:"a.options"`
		Comment       string `bun:"a.comment"`
		KeyID         int    `bun:"pk.id"`
		Algorithm     string `bun:"pk.algorithm"`
		Base64Blob    string `bun:"pk.base64_blob"`
		Name          string `bun:"pk.name"`
		ExtraComment  string `bun:"pk.extra_comment"`
		Username      string `bun:"u.username"`
		UserEnabled   bool   `bun:"u.enabled"`
		HostName      string `bun:"h.name"`
	}

	err := s.db.NewSelect().
		TableExpr("authorizations AS a").
		Join("JOIN public_keys AS pk ON pk.owner_user_id = a.user_id").
		Join("JOIN users AS u ON u.id = a.user_id").
		Join("JOIN hosts AS h ON h.id = a.host_id").
		Column("a.id", "a.host_id", "a.user_id", "a.login", "a.options", "a.comment",
			"pk.id", "pk.algorithm", "pk.base64_blob", "pk.name", "pk.extra_comment",
			"u.username", "u.enabled", "h.name").
		Where("h.name = ?", hostName).
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	details := make([]AuthorizationDetail, 0, len(rows))
	for _, r := range rows {
		details = append(details, AuthorizationDetail{
			Authorization: model.Authorization{ID: r.AuthID, HostID: r.HostID, UserID: r.UserID, Login: r.Login, Options: r.Options, Comment: r.Comment},
			Key:           model.PublicKey{ID: r.KeyID, OwnerUserID: r.UserID, Algorithm: r.Algorithm, Base64Blob: r.Base64Blob, Name: r.Name, ExtraComment: r.ExtraComment},
			Username:      r.Username,
			UserEnabled:   r.UserEnabled,
			HostName:      r.HostName,
		})
	}
	return details, nil
}

func (s *BunStore) ListAuthorizationsForUser(ctx context.Context, username string) ([]AuthorizationDetail, error) {
	var rows []struct {
		bun.BaseModel `bun:"table:authorizations,alias:a"`

		AuthID       int    `bun:"a.id"`
		HostID       int    `bun:"a.host_id"`
		UserID       int    `bun:"a.user_id"`
		Login        string `bun:"a.login"`
		Options      string `bun:"a.options"`
		Comment      string `bun:"a.comment"`
		KeyID        int    `bun:"pk.id"`
		Algorithm    string `bun:"pk.algorithm"`
		Base64Blob   string `bun:"pk.base64_blob"`
		Name         string `bun:"pk.name"`
		ExtraComment string `bun:"pk.extra_comment"`
		Username     string `bun:"u.username"`
		UserEnabled  bool   `bun:"u.enabled"`
		HostName     string `bun:"h.name"`
	}

	err := s.db.NewSelect().
		TableExpr("authorizations AS a").
		Join("JOIN public_keys AS pk ON pk.owner_user_id = a.user_id").
		Join("JOIN users AS u ON u.id = a.user_id").
		Join("JOIN hosts AS h ON h.id = a.host_id").
		Column("a.id", "a.host_id", "a.user_id", "a.login", "a.options", "a.comment",
			"pk.id", "pk.algorithm", "pk.base64_blob", "pk.name", "pk.extra_comment",
			"u.username", "u.enabled", "h.name").
		Where("u.username = ?", username).
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	details := make([]AuthorizationDetail, 0, len(rows))
	for _, r := range rows {
		details = append(details, AuthorizationDetail{
			Authorization: model.Authorization{ID: r.AuthID, HostID: r.HostID, UserID: r.UserID, Login: r.Login, Options: r.Options, Comment: r.Comment},
			Key:           model.PublicKey{ID: r.KeyID, OwnerUserID: r.UserID, Algorithm: r.Algorithm, Base64Blob: r.Base64Blob, Name: r.Name, ExtraComment: r.ExtraComment},
			Username:      r.Username,
			UserEnabled:   r.UserEnabled,
			HostName:      r.HostName,
		})
	}
	return details, nil
}

func (s *BunStore) LogActivity(ctx context.Context, e *model.ActivityEntry) error {
	_, err := s.db.NewInsert().Model(e).Exec(ctx)
	return err
}

func (s *BunStore) ListActivity(ctx context.Context, limit int) ([]model.ActivityEntry, error) {
	var entries []model.ActivityEntry
	q := s.db.NewSelect().Model(&entries).OrderExpr("unix_ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Scan(ctx)
	return entries, err
}

func (s *BunStore) CreateManagerKey(ctx context.Context, k *model.ManagerKey) error {
	_, err := s.db.NewInsert().Model(k).Exec(ctx)
	return err
}

func (s *BunStore) ActiveManagerKey(ctx context.Context) (*model.ManagerKey, error) {
	k := new(model.ManagerKey)
	if err := s.db.NewSelect().Model(k).Where("is_active = ?", true).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return k, nil
}

// RotateManagerKey inserts k as the new active key and deactivates every
// other manager key in the same transaction, so a crash between the two
// steps never leaves two keys active at once.
func (s *BunStore) RotateManagerKey(ctx context.Context, k *model.ManagerKey) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewUpdate().Model((*model.ManagerKey)(nil)).Set("is_active = ?", false).Where("is_active = ?", true).Exec(ctx); err != nil {
			return err
		}
		k.IsActive = true
		_, err := tx.NewInsert().Model(k).Exec(ctx)
		return err
	})
}

func (s *BunStore) CreateBootstrapSession(ctx context.Context, bs *model.BootstrapSession) error {
	_, err := s.db.NewInsert().Model(bs).Exec(ctx)
	return err
}

func (s *BunStore) GetBootstrapSession(ctx context.Context, id string) (*model.BootstrapSession, error) {
	bs := new(model.BootstrapSession)
	if err := s.db.NewSelect().Model(bs).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err)
	}
	return bs, nil
}

func (s *BunStore) UpdateBootstrapSessionStatus(ctx context.Context, id, status string) error {
	_, err := s.db.NewUpdate().Model((*model.BootstrapSession)(nil)).Set("status = ?", status).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *BunStore) DeleteBootstrapSession(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*model.BootstrapSession)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("repo: %w", err)
}

var _ Store = (*BunStore)(nil)
