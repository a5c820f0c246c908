// Package model defines the core data structures shared across keysyncd:
// the declarative inventory (hosts, users, keys, authorizations), the
// append-only activity log, and the in-memory representation of a host's
// observed authorized_keys state.
package model // import "github.com/opskeys/keysyncd/internal/model"

import (
	"time"

	"github.com/uptrace/bun"
)

// Host identifies one fleet member keysyncd can reach over SSH.
type Host struct {
	bun.BaseModel `bun:"table:hosts,alias:h"`

	ID                 int    `bun:"id,pk,autoincrement"`
	Name               string `bun:"name,notnull,unique"`
	Address            string `bun:"address,notnull"`
	Port               int    `bun:"port,notnull,default:22"`
	Login              string `bun:"login,notnull"`
	JumpVia            *int   `bun:"jump_via"` // Host.ID of the jump host, nil if reached directly.
	HostKeyFingerprint string `bun:"host_key_fingerprint"` // empty until the first successful TOFU pin.
	Disabled           bool   `bun:"disabled,notnull,default:false"`
	Comment            string `bun:"comment,notnull,default:''"`
}

// User is an operator-managed identity that owns zero or more PublicKeys.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       int    `bun:"id,pk,autoincrement"`
	Username string `bun:"username,notnull,unique"`
	Enabled  bool   `bun:"enabled,notnull,default:true"`
	Comment  string `bun:"comment,notnull,default:''"`
}

// PublicKey is one SSH public key belonging to a User. Algorithm+Base64Blob
// together are the identity used for comparison against remote state; Name
// and ExtraComment are cosmetic.
type PublicKey struct {
	bun.BaseModel `bun:"table:public_keys,alias:pk"`

	ID           int    `bun:"id,pk,autoincrement"`
	OwnerUserID  int    `bun:"owner_user_id,notnull"`
	Algorithm    string `bun:"algorithm,notnull"`
	Base64Blob   string `bun:"base64_blob,notnull"`
	Name         string `bun:"name,notnull,default:''"`
	ExtraComment string `bun:"extra_comment,notnull,default:''"`
}

// Line renders the key the way it would appear in an authorized_keys file,
// without any leading options.
func (k PublicKey) Line() string {
	comment := k.ExtraComment
	if comment == "" {
		comment = k.Name
	}
	if comment == "" {
		return k.Algorithm + " " + k.Base64Blob
	}
	return k.Algorithm + " " + k.Base64Blob + " " + comment
}

// Authorization grants a User the right to log in as Login on Host, with an
// optional verbatim OpenSSH options string.
type Authorization struct {
	bun.BaseModel `bun:"table:authorizations,alias:a"`

	ID      int    `bun:"id,pk,autoincrement"`
	HostID  int    `bun:"host_id,notnull"`
	UserID  int    `bun:"user_id,notnull"`
	Login   string `bun:"login,notnull"`
	Options string `bun:"options,notnull,default:''"`
	Comment string `bun:"comment,notnull,default:''"`
}

// ActivityEntry is one append-only audit record.
type ActivityEntry struct {
	bun.BaseModel `bun:"table:activity_entries,alias:ae"`

	ID       int    `bun:"id,pk,autoincrement"`
	Kind     string `bun:"kind,notnull"`
	Action   string `bun:"action,notnull"`
	Target   string `bun:"target,notnull,default:''"`
	Actor    string `bun:"actor,notnull,default:''"`
	UnixTS   int64  `bun:"unix_ts,notnull"`
	Metadata string `bun:"metadata,notnull,default:''"`
}

// AuthorizedEntry is one successfully parsed line of an authorized_keys
// file: an options prefix (verbatim), an algorithm, a base64 blob, and an
// optional comment.
type AuthorizedEntry struct {
	Options   string
	Algorithm string
	Base64    string
	Comment   string
}

// ParseError records one authorized_keys line the parser could not make
// sense of. It is never fatal — it travels through the pipeline as data so
// the diff engine can surface it as a FaultyKey discrepancy.
type ParseError struct {
	Message      string
	OriginalLine string
}

// Entry is exactly one of AuthorizedEntry or ParseError.
type Entry struct {
	Authorized *AuthorizedEntry
	Error      *ParseError
}

// LoginState is the parsed remote state for one discovered login on a host.
type LoginState struct {
	Login             string
	HasPragma         bool
	ReadonlyCondition string
	Entries           []Entry

	// Serial and HasSerial come from the pragma begin line's serial:N
	// field, when one was present and parseable. A managed file that
	// predates the serial annotation (or one with a pragma a human hand
	// edited) leaves HasSerial false.
	Serial    int
	HasSerial bool
}

// ParsedState is the full result of fetching and parsing one host's
// authorized_keys files, one LoginState per discovered login.
type ParsedState struct {
	Logins []LoginState
}

// ManagerKey is one generation of keysyncd's own deployment key pair. Serial
// increases monotonically; only one ManagerKey is ever IsActive.
type ManagerKey struct {
	bun.BaseModel `bun:"table:manager_keys,alias:mk"`

	ID         int    `bun:"id,pk,autoincrement"`
	Serial     int    `bun:"serial,notnull,unique"`
	PublicKey  string `bun:"public_key,notnull"`  // authorized_keys-format public key, algorithm+base64+comment.
	PrivateKey string `bun:"private_key,notnull"` // PEM, used to dial hosts.
	IsActive   bool   `bun:"is_active,notnull,default:false"`
}

// BootstrapSession tracks an in-progress first-contact workflow: a
// temporary key handed to the operator to install by hand, used for the
// single authenticated round-trip that confirms reachability before the
// host is handed over to the manager key.
type BootstrapSession struct {
	bun.BaseModel `bun:"table:bootstrap_sessions,alias:bs"`

	ID            string    `bun:"id,pk"`
	HostID        int       `bun:"host_id,notnull"`
	TempPublicKey string    `bun:"temp_public_key,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	ExpiresAt     time.Time `bun:"expires_at,notnull"`
	Status        string    `bun:"status,notnull,default:'pending'"` // pending, completed, failed, expired.
}
