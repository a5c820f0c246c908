// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// wedgedServer is a minimal in-process SSH server for exercising Session
// against a real golang.org/x/crypto/ssh handshake: "whoami" answers
// immediately (so Connect's sanity check succeeds), while "sleep" never
// replies, simulating a remote command that has wedged.
type wedgedServer struct {
	listener    net.Listener
	hostKey     ssh.Signer
	fingerprint string
}

func newWedgedServer(t *testing.T) *wedgedServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &wedgedServer{listener: l, hostKey: signer, fingerprint: Fingerprint(signer.PublicKey())}
	go srv.serve()
	t.Cleanup(func() { l.Close() })
	return srv
}

func (s *wedgedServer) serve() {
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(s.hostKey)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *wedgedServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *wedgedServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" || len(req.Payload) < 4 {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd := string(req.Payload[4:])
		if req.WantReply {
			req.Reply(true, nil)
		}
		switch cmd {
		case "whoami":
			channel.Write([]byte("tester\n"))
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		case "sleep":
			// Never reply, never send exit-status: the client is left
			// hanging until it gives up on its own.
			block := make(chan struct{})
			<-block
		default:
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		}
	}
}

func dialerAndSpec(t *testing.T, srv *wedgedServer, timeout time.Duration) (*Dialer, HostSpec) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	dialer, err := NewDialer(pem.EncodeToMemory(block), nil, timeout)
	require.NoError(t, err)

	spec := HostSpec{Name: "wedged", Address: host, Port: port, Login: "tester", PinnedFingerprint: srv.fingerprint}
	return dialer, spec
}

func TestSession_ExecRespectsConfiguredTimeout(t *testing.T) {
	srv := newWedgedServer(t)
	timeout := 150 * time.Millisecond
	dialer, spec := dialerAndSpec(t, srv, timeout)

	sess, err := dialer.Connect(t.Context(), spec)
	require.NoError(t, err, "whoami must answer immediately, so Connect should succeed")
	defer sess.Close()

	start := time.Now()
	_, _, err = sess.Exec("sleep")
	elapsed := time.Since(start)

	require.Error(t, err)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, elapsed, 2*timeout, "Exec must give up around the configured timeout, not hang indefinitely")
}

func TestSession_ExecSucceedsWithinTimeout(t *testing.T) {
	srv := newWedgedServer(t)
	dialer, spec := dialerAndSpec(t, srv, time.Second)

	sess, err := dialer.Connect(t.Context(), spec)
	require.NoError(t, err)
	defer sess.Close()

	exitCode, out, err := sess.Exec("whoami")
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	require.Contains(t, out, "tester")
}
