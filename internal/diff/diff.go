// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package diff implements the pure, synchronous diff engine: it compares
// a host's expected authorizations against its parsed remote state and
// reports exactly what is wrong, one login at a time, as a tagged union
// over eight distinct finding kinds.
package diff

import (
	"fmt"
	"strings"

	"github.com/opskeys/keysyncd/internal/authkeys"
	"github.com/opskeys/keysyncd/internal/model"
)

// Kind tags which of the eight diff item shapes an Item carries.
type Kind string

const (
	KindPragmaMissing    Kind = "pragma_missing"
	KindStaleSerial      Kind = "stale_serial"
	KindFaultyKey        Kind = "faulty_key"
	KindKeyMissing       Kind = "key_missing"
	KindUnknownKey       Kind = "unknown_key"
	KindUnauthorizedKey  Kind = "unauthorized_key"
	KindDuplicateKey     Kind = "duplicate_key"
	KindIncorrectOptions Kind = "incorrect_options"
)

// Item is one finding against a single (host, login). Only the fields
// relevant to Kind are populated; see each Kind's doc for which.
type Item struct {
	Kind  Kind
	Login string

	// FaultyKey
	Message      string
	OriginalLine string

	// KeyMissing / IncorrectOptions
	ExpectedBase64  string
	ExpectedOptions string
	Username        string

	// UnknownKey / UnauthorizedKey / DuplicateKey / IncorrectOptions
	Base64 string

	// StaleSerial
	ObservedSerial int
	CurrentSerial  int
}

func (i Item) String() string {
	switch i.Kind {
	case KindPragmaMissing:
		return fmt.Sprintf("%s: pragma missing", i.Login)
	case KindStaleSerial:
		return fmt.Sprintf("%s: managed region stamped serial %d, current is %d", i.Login, i.ObservedSerial, i.CurrentSerial)
	case KindFaultyKey:
		return fmt.Sprintf("%s: faulty key line %q: %s", i.Login, i.OriginalLine, i.Message)
	case KindKeyMissing:
		return fmt.Sprintf("%s: missing key for %s", i.Login, i.Username)
	case KindUnknownKey:
		return fmt.Sprintf("%s: unknown key %s", i.Login, i.Base64)
	case KindUnauthorizedKey:
		return fmt.Sprintf("%s: key %s belongs to %s but is not authorized here", i.Login, i.Base64, i.Username)
	case KindDuplicateKey:
		return fmt.Sprintf("%s: duplicate key %s", i.Login, i.Base64)
	case KindIncorrectOptions:
		return fmt.Sprintf("%s: key %s has incorrect options, expected %q", i.Login, i.Base64, i.ExpectedOptions)
	default:
		return fmt.Sprintf("%s: unknown diff kind %s", i.Login, i.Kind)
	}
}

// ExpectedAuthorization is one authoritative (user_key, login, options,
// username) tuple from the repository layer.
type ExpectedAuthorization struct {
	Base64   string
	Login    string
	Options  string
	Username string
}

// KnownKey is a (base64, username) pair for any key belonging to any known
// user, used to classify keys present on the host but not authorized for
// this login (matching rule 3).
type KnownKey struct {
	Base64   string
	Username string
}

// Diff compares expected against the remote parsed state for one host.
// managerKeyBase64 is the manager's own public key, given either as its
// bare base64 blob or as a full "algorithm base64 [comment]" line (the
// form model.ManagerKey.PublicKey stores), from which the blob is taken;
// entries carrying that blob are always ignored per matching rule 1.
// knownKeys is used for matching rule 3.
// managerKeySerial is the currently active manager key's serial number,
// compared against whatever serial the remote pragma was last stamped
// with. Logins whose diff ends up empty are omitted from the result.
func Diff(expected []ExpectedAuthorization, knownKeys []KnownKey, managerKeyBase64 string, managerKeySerial int, remote *model.ParsedState) []Item {
	var result []Item

	if f := strings.Fields(managerKeyBase64); len(f) >= 2 {
		managerKeyBase64 = f[1]
	}

	byUsername := make(map[string]string, len(knownKeys))
	for _, k := range knownKeys {
		byUsername[k.Base64] = k.Username
	}

	for _, loginState := range remote.Logins {
		items := diffLogin(expected, byUsername, managerKeyBase64, managerKeySerial, loginState)
		result = append(result, items...)
	}
	return result
}

func diffLogin(expected []ExpectedAuthorization, knownByBase64 map[string]string, managerKeyBase64 string, managerKeySerial int, ls model.LoginState) []Item {
	var items []Item

	type candidate struct {
		exp      ExpectedAuthorization
		consumed bool
	}
	var loginExpected []*candidate
	for _, e := range expected {
		if e.Login != ls.Login {
			continue
		}
		ec := e
		loginExpected = append(loginExpected, &candidate{exp: ec})
	}

	seen := make(map[string]bool)

	for _, entry := range ls.Entries {
		if entry.Error != nil {
			items = append(items, Item{
				Kind:         KindFaultyKey,
				Login:        ls.Login,
				Message:      entry.Error.Message,
				OriginalLine: entry.Error.OriginalLine,
			})
			continue
		}

		ae := entry.Authorized
		if ae.Base64 == managerKeyBase64 {
			continue // rule 1: the manager's own key is expected and ignored.
		}

		if seen[ae.Base64] {
			items = append(items, Item{Kind: KindDuplicateKey, Login: ls.Login, Base64: ae.Base64})
			continue
		}

		matched := false
		for _, c := range loginExpected {
			if c.exp.Base64 != ae.Base64 {
				continue
			}
			if c.consumed {
				break // already matched another line in this file; handled as duplicate above via seen, but guard anyway.
			}
			c.consumed = true
			matched = true
			seen[ae.Base64] = true
			if authkeys.NormalizeOptions(ae.Options) != authkeys.NormalizeOptions(c.exp.Options) {
				items = append(items, Item{
					Kind:            KindIncorrectOptions,
					Login:           ls.Login,
					Base64:          ae.Base64,
					ExpectedOptions: c.exp.Options,
				})
			}
			break
		}
		if matched {
			continue
		}

		seen[ae.Base64] = true
		if username, ok := knownByBase64[ae.Base64]; ok {
			items = append(items, Item{Kind: KindUnauthorizedKey, Login: ls.Login, Base64: ae.Base64, Username: username})
		} else {
			items = append(items, Item{Kind: KindUnknownKey, Login: ls.Login, Base64: ae.Base64})
		}
	}

	for _, c := range loginExpected {
		if !c.consumed {
			items = append(items, Item{
				Kind:           KindKeyMissing,
				Login:          ls.Login,
				ExpectedBase64: c.exp.Base64,
				Username:       c.exp.Username,
			})
		}
	}

	if !ls.HasPragma {
		items = append([]Item{{Kind: KindPragmaMissing, Login: ls.Login}}, items...)
	} else if ls.HasSerial && ls.Serial != managerKeySerial {
		items = append([]Item{{
			Kind:           KindStaleSerial,
			Login:          ls.Login,
			ObservedSerial: ls.Serial,
			CurrentSerial:  managerKeySerial,
		}}, items...)
	}

	return items
}
