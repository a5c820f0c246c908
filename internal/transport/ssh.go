// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport implements the outbound SSH client: DNS resolution,
// direct or jump-chained dialing, TOFU fingerprint verification,
// public-key authentication, command execution, and atomic file writes
// over SFTP. Jump hosts are dialed recursively, with already-open hop
// sessions memoized per pass so sibling operations against the same
// bastion don't reopen the tunnel.
package transport // import "github.com/opskeys/keysyncd/internal/transport"

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout is the per-operation timeout NewDialer applies when it is
// given no positive timeout (ssh.timeout, default 120s).
const DefaultTimeout = 120 * time.Second

// HostSpec is the subset of model.Host the transport layer needs to dial,
// kept independent of the model/repo packages so transport has no import
// cycle back into the repository.
type HostSpec struct {
	Name              string
	Address           string
	Port              int
	Login             string
	PinnedFingerprint string // empty means "not yet trusted"; Connect refuses such a host or hop with ErrNoHostkey.
	JumpVia           *HostSpec
}

// Dialer holds the manager's signing key and memoizes open jump-host
// sessions across a single logical pass, to avoid reopening the same
// tunnel for sibling operations within one pass.
type Dialer struct {
	signer  ssh.Signer
	timeout time.Duration

	mu      sync.Mutex
	hops    map[string]*ssh.Client // keyed by HostSpec.Name
}

// NewDialer parses the manager's private key (optionally passphrase
// protected) and returns a Dialer bound to the given per-operation timeout.
func NewDialer(privateKeyPEM, passphrase []byte, timeout time.Duration) (*Dialer, error) {
	var signer ssh.Signer
	var err error
	if len(passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(privateKeyPEM)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: parse manager private key: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dialer{signer: signer, timeout: timeout, hops: make(map[string]*ssh.Client)}, nil
}

// CloseHops closes every jump-host connection memoized by this Dialer. Call
// it once at the end of a pass (e.g. a scheduler tick) — not after every
// Connect, or sibling targets sharing a jump host would have to re-dial it.
func (d *Dialer) CloseHops() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, c := range d.hops {
		_ = c.Close()
		delete(d.hops, name)
	}
}

// Session is one authenticated connection to a target host, ready for
// command execution and file writes.
type Session struct {
	client  *ssh.Client
	login   string
	sftp    *sftp.Client
	timeout time.Duration
}

// Connect resolves, dials (directly or through spec.JumpVia, recursively),
// verifies the server's host key against spec.PinnedFingerprint, and
// authenticates as spec.Login with the Dialer's manager key. On success it
// runs a post-connection sanity check (whoami must echo back spec.Login).
func (d *Dialer) Connect(ctx context.Context, spec HostSpec) (*Session, error) {
	addr, err := normalizeAddr(spec.Address, spec.Port)
	if err != nil {
		return nil, err
	}

	if err := resolve(ctx, spec.Address, d.timeout); err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            spec.Login,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: d.pinnedCallback(spec),
		Timeout:         d.timeout,
	}

	var client *ssh.Client
	if spec.JumpVia == nil {
		client, err = ssh.Dial("tcp", addr, config)
		if err != nil {
			return nil, classifyDialError(spec.Name, err)
		}
	} else {
		client, err = d.dialThroughJump(ctx, *spec.JumpVia, addr, config)
		if err != nil {
			return nil, &ExecutionError{Op: fmt.Sprintf("dial %s via jump %s", spec.Name, spec.JumpVia.Name), Err: err}
		}
	}

	sess := &Session{client: client, login: spec.Login, timeout: d.timeout}
	if err := sess.sanityCheckWhoami(); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// dialThroughJump obtains (or reuses) a session to the jump host, then opens
// a direct-tcpip channel from it to dst and completes the SSH handshake on
// top of that channel — the idiom k0sproject/rig calls "bastion dialing."
func (d *Dialer) dialThroughJump(ctx context.Context, jump HostSpec, dst string, targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	jumpClient, err := d.jumpClient(ctx, jump)
	if err != nil {
		return nil, err
	}

	conn, err := jumpClient.Dial("tcp", dst)
	if err != nil {
		return nil, fmt.Errorf("open direct-tcpip channel through %s: %w", jump.Name, err)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, dst, targetConfig)
	if err != nil {
		conn.Close()
		return nil, classifyDialError(jump.Name, err)
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// jumpClient returns a memoized *ssh.Client for spec, dialing (recursively,
// through its own JumpVia if set) only on cache miss.
func (d *Dialer) jumpClient(ctx context.Context, spec HostSpec) (*ssh.Client, error) {
	d.mu.Lock()
	if c, ok := d.hops[spec.Name]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	if spec.PinnedFingerprint == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoHostkey, spec.Name)
	}

	addr, err := normalizeAddr(spec.Address, spec.Port)
	if err != nil {
		return nil, err
	}
	if err := resolve(ctx, spec.Address, d.timeout); err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            spec.Login,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: d.pinnedCallback(spec),
		Timeout:         d.timeout,
	}

	var client *ssh.Client
	if spec.JumpVia == nil {
		client, err = ssh.Dial("tcp", addr, config)
	} else {
		client, err = d.dialThroughJump(ctx, *spec.JumpVia, addr, config)
	}
	if err != nil {
		return nil, classifyDialError(spec.Name, err)
	}

	d.mu.Lock()
	d.hops[spec.Name] = client
	d.mu.Unlock()
	return client, nil
}

// pinnedCallback builds a host key callback that only accepts the key
// pinned for this hop (TOFU safety): no byte is sent on the channel after
// key rejection, since ssh.Dial aborts the handshake as soon as the
// callback returns an error.
func (d *Dialer) pinnedCallback(spec HostSpec) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if spec.PinnedFingerprint == "" {
			return fmt.Errorf("%w: %s", ErrNoHostkey, spec.Name)
		}
		got := Fingerprint(key)
		if got != spec.PinnedFingerprint {
			return fmt.Errorf("%w: %s presented %s, pinned %s", ErrUnknownKey, spec.Name, got, spec.PinnedFingerprint)
		}
		return nil
	}
}

// Fingerprint computes the OpenSSH canonical SHA-256 fingerprint of a
// server host key (matches `ssh-keygen -lf`).
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// sanityCheckWhoami runs `whoami` and asserts the trimmed output equals the
// login we authenticated as.
func (s *Session) sanityCheckWhoami() error {
	exitCode, output, err := s.Exec("whoami")
	if err != nil {
		return err
	}
	got := strings.TrimSpace(output)
	if exitCode != 0 || got != s.login {
		return &CommandFailed{Command: "whoami", ExitCode: exitCode, Output: output, Expectation: fmt.Sprintf("trimmed output == %q", s.login)}
	}
	return nil
}

// Exec runs cmd on the remote host and returns its exit code and combined
// stdout+stderr output. The call is bounded by the Dialer's configured
// timeout: a command that hangs past that deadline tears down the whole
// session (it cannot be trusted to still be responsive) and returns
// ErrTimeout rather than blocking the caller forever.
func (s *Session) Exec(cmd string) (exitCode int, output string, err error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return 0, "", &ExecutionError{Op: "open session", Err: err}
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, runErr := sess.CombinedOutput(cmd)
		done <- result{out, runErr}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return 0, string(r.out), nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(r.err, &exitErr); ok {
			return exitErr.ExitStatus(), string(r.out), nil
		}
		return 0, string(r.out), &ExecutionError{Op: fmt.Sprintf("exec %q", cmd), Err: r.err}
	case <-time.After(s.boundedTimeout()):
		s.Close()
		return 0, "", fmt.Errorf("%w: exec %q on %s", ErrTimeout, cmd, s.login)
	}
}

// boundedTimeout returns the session's configured timeout, falling back to
// DefaultTimeout for a Session built without one (e.g. directly by tests).
func (s *Session) boundedTimeout() time.Duration {
	if s.timeout <= 0 {
		return DefaultTimeout
	}
	return s.timeout
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// WriteFile atomically installs content at remotePath via SFTP: upload to a
// temp file in the same directory, chmod it, then rename over the final
// path. Any failure along the way leaves the previous file intact. A
// single rename is sufficient since the targets here (Linux/BSD OpenSSH
// servers) support atomic POSIX rename.
// WriteFile is bounded by the same per-session timeout as Exec: the whole
// upload-chmod-rename sequence runs on a goroutine, and a deadline that
// fires before it finishes tears down the session and reports ErrTimeout
// rather than leaving the caller blocked on a stalled SFTP write.
func (s *Session) WriteFile(remotePath string, content []byte, perm uint32) error {
	done := make(chan error, 1)
	go func() { done <- s.writeFile(remotePath, content, perm) }()

	select {
	case err := <-done:
		return err
	case <-time.After(s.boundedTimeout()):
		s.Close()
		return fmt.Errorf("%w: write %s on %s", ErrTimeout, remotePath, s.login)
	}
}

func (s *Session) writeFile(remotePath string, content []byte, perm uint32) error {
	if err := s.ensureSFTP(); err != nil {
		return err
	}

	dir := parentDir(remotePath)
	if _, err := s.sftp.Stat(dir); err != nil {
		if mkErr := s.sftp.MkdirAll(dir); mkErr != nil {
			return &ExecutionError{Op: "mkdir " + dir, Err: mkErr}
		}
	}
	if err := s.sftp.Chmod(dir, 0700); err != nil {
		return &ExecutionError{Op: "chmod " + dir, Err: err}
	}

	tmpPath := fmt.Sprintf("%s.keysyncd-tmp-%d", remotePath, time.Now().UnixNano())
	f, err := s.sftp.Create(tmpPath)
	if err != nil {
		return &ExecutionError{Op: "create " + tmpPath, Err: err}
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		_ = s.sftp.Remove(tmpPath)
		return &ExecutionError{Op: "write " + tmpPath, Err: err}
	}
	f.Close()

	if err := s.sftp.Chmod(tmpPath, perm); err != nil {
		_ = s.sftp.Remove(tmpPath)
		return &ExecutionError{Op: "chmod " + tmpPath, Err: err}
	}

	if err := s.sftp.Rename(tmpPath, remotePath); err != nil {
		_ = s.sftp.Remove(tmpPath)
		return &ExecutionError{Op: fmt.Sprintf("rename %s to %s", tmpPath, remotePath), Err: err}
	}
	return nil
}

// ReadFile reads remotePath over SFTP, returning its content or an error if
// it does not exist or cannot be read.
func (s *Session) ReadFile(remotePath string) ([]byte, error) {
	if err := s.ensureSFTP(); err != nil {
		return nil, err
	}
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readAll(f)
}

func (s *Session) ensureSFTP() error {
	if s.sftp != nil {
		return nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return &ExecutionError{Op: "open sftp subsystem", Err: err}
	}
	s.sftp = c
	return nil
}

// Close releases the session's SFTP and SSH connections. It does not close
// any jump-host client, since those are owned and reused by the Dialer.
func (s *Session) Close() {
	if s.sftp != nil {
		s.sftp.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

func normalizeAddr(address string, port int) (string, error) {
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: %d", ErrPortCastFailed, port)
	}
	return net.JoinHostPort(address, strconv.Itoa(port)), nil
}

func resolve(ctx context.Context, address string, timeout time.Duration) error {
	if net.ParseIP(address) != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrTimeout, address)
		}
		return fmt.Errorf("%w: %s: %v", ErrLookupFailure, address, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s", ErrLookupFailure, address)
	}
	return nil
}

func classifyDialError(hostName string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "deadline exceeded") {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, hostName, err)
	}
	return fmt.Errorf("transport: dial %s: %w", hostName, err)
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

func readAll(r interface{ Read([]byte) (int, error) }) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err.Error() == "EOF" {
				return buf, nil
			}
			return buf, err
		}
	}
}
