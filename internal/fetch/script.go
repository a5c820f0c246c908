// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package fetch

// remoteScript enumerates real login accounts (UID >= minUID, or root) and,
// for each with a readable ~/.ssh/authorized_keys, emits one tab-separated
// record: login, has_pragma (0/1), readonly_condition (may be empty), and
// the file's content base64-encoded so embedded newlines and tabs never
// collide with the record delimiter. readonly_condition is populated when
// the file exists but a write probe against it fails (read-only
// filesystem, immutable attribute, or similar) — keysyncd never actually
// tries to write during a fetch, so the probe is a non-destructive `test`
// rather than a real write attempt.
const remoteScript = `#!/bin/sh
set -f
min_uid=1000
getent passwd | while IFS=: read -r login _ uid _ _ home _; do
  if [ "$uid" -lt "$min_uid" ] && [ "$login" != "root" ]; then
    continue
  fi
  keyfile="$home/.ssh/authorized_keys"
  [ -f "$keyfile" ] || continue
  [ -r "$keyfile" ] || continue

  has_pragma=0
  grep -q "keysyncd-BEGIN" "$keyfile" 2>/dev/null && grep -q "keysyncd-END" "$keyfile" 2>/dev/null && has_pragma=1

  readonly_condition=""
  if [ ! -w "$keyfile" ]; then
    readonly_condition="permission denied"
  elif lsattr "$keyfile" 2>/dev/null | cut -d' ' -f1 | grep -q "i"; then
    readonly_condition="immutable attribute set"
  fi

  content=$(base64 -w0 "$keyfile" 2>/dev/null || base64 "$keyfile" | tr -d '\n')
  printf 'LOGIN\t%s\t%s\t%s\t%s\n' "$login" "$has_pragma" "$readonly_condition" "$content"
done
`
