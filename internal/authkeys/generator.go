// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package authkeys

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opskeys/keysyncd/internal/model"
)

// PragmaBegin and PragmaEnd are the stable, human-readable marker lines
// bracketing the section of an authorized_keys file keysyncd owns. Both
// must be present for the keyfile fetcher to report has_pragma=true; the
// text is a single deliberately-chosen constant, since files written by
// older versions must stay recognizable.
const (
	PragmaBegin = "# keysyncd-BEGIN managed-by:keysyncd"
	PragmaEnd   = "# keysyncd-END managed-by:keysyncd"
)

// ManagerKeyRestrictions is the option set attached to keysyncd's own key in
// every generated file. Restricting it to internal-sftp means the same
// restricted key that deploys files can never obtain an interactive shell —
// the write path (internal/transport) only ever needs SFTP anyway.
const ManagerKeyRestrictions = `command="internal-sftp",no-pty,no-port-forwarding,no-X11-forwarding,no-agent-forwarding`

// ErrReadOnly is returned by Generate when the login's remote keyfile was
// observed to be unwritable.
var ErrReadOnly = errors.New("authkeys: login's authorized_keys is read-only")

// GrantedKey is one key the generator should emit for a login, already
// resolved from the repository layer: the authorization's options (if any)
// take precedence over the key's own metadata.
type GrantedKey struct {
	Key      model.PublicKey
	Username string
	Options  string
}

// Generate renders the canonical authorized_keys content for one (host,
// login): a pragma-wrapped managed region containing the manager's own key
// first, then one line per granted key, sorted by
// username then by the key's authorized_keys line (algorithm, base64,
// comment) for stable output. readonlyCondition, if
// non-empty, means the keyfile fetcher observed the file cannot be
// rewritten; Generate refuses rather than silently producing unusable
// content.
func Generate(hostName, login string, managerKey model.ManagerKey, granted []GrantedKey, readonlyCondition string) (string, error) {
	if readonlyCondition != "" {
		return "", fmt.Errorf("%w: %s", ErrReadOnly, readonlyCondition)
	}

	sorted := make([]GrantedKey, len(granted))
	copy(sorted, granted)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Username != sorted[j].Username {
			return sorted[i].Username < sorted[j].Username
		}
		return sorted[i].Key.Line() < sorted[j].Key.Line()
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%s host:%s login:%s serial:%d\n", PragmaBegin, hostName, login, managerKey.Serial)
	fmt.Fprintf(&b, "%s %s\n", ManagerKeyRestrictions, managerKey.PublicKey)

	for _, g := range sorted {
		line := renderGrantedKey(g)
		b.WriteString(line)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%s\n", PragmaEnd)
	return b.String(), nil
}

func renderGrantedKey(g GrantedKey) string {
	options := NormalizeOptions(g.Options)
	keyLine := g.Key.Line()
	if options == "" {
		return keyLine
	}
	parts := strings.Fields(keyLine)
	if len(parts) < 2 {
		return keyLine
	}
	algorithm, base64Blob := parts[0], parts[1]
	comment := ""
	if len(parts) > 2 {
		comment = strings.Join(parts[2:], " ")
	}
	if comment == "" {
		return fmt.Sprintf("%s %s %s", options, algorithm, base64Blob)
	}
	return fmt.Sprintf("%s %s %s %s", options, algorithm, base64Blob, comment)
}
