package source

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mattjoyce/bigstream/internal/mux"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/protocol"
)

const (
	testUser     = "stream"
	testPassword = "s3cret"
)

// execHandler writes a command's output to the channel and returns its exit
// status.
type execHandler func(command string, ch ssh.Channel) uint32

// startSSHServer runs a password-authenticated exec-only SSH server on a
// loopback port until the test ends.
func startSSHServer(t *testing.T, handle execHandler) (host string, port int, hostKey ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, handle)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, signer.PublicKey()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, handle execHandler) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "sessions only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var exec struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &exec); err != nil {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)

				status := handle(exec.Command, ch)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				ch.Close()
				return
			}
		}()
	}
}

func echoHandler(command string, ch ssh.Channel) uint32 {
	switch command {
	case "fail":
		ch.Stderr().Write([]byte("boom"))
		return 3
	default:
		ch.Write([]byte("ran " + command))
		ch.Stderr().Write([]byte("warn"))
		return 0
	}
}

func TestRemoteGenerator(t *testing.T) {
	host, port, _ := startSSHServer(t, echoHandler)

	rec, err := runGenerator(t, Remote(), map[string]any{
		OptCommand:  "uptime",
		OptHost:     host,
		OptPort:     port,
		OptUsername: testUser,
		OptPassword: testPassword,
	})
	require.NoError(t, err)

	assert.Equal(t, []any{"ran uptime"}, rec.Payloads(mux.PayloadChannel))
	assert.Equal(t, []any{"warn"}, rec.Payloads(mux.FirstAux))
	assert.Equal(t, protocol.StateEnd, rec.Terminal().State)
}

func TestRemoteGeneratorExitStatus(t *testing.T) {
	host, port, _ := startSSHServer(t, echoHandler)

	_, err := runGenerator(t, Remote(), map[string]any{
		OptCommand:  "fail",
		OptHost:     host,
		OptPort:     port,
		OptUsername: testUser,
		OptPassword: testPassword,
	})
	var exitErr *pipeerr.NonZeroExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Status)

	_, err = runGenerator(t, Remote(), map[string]any{
		OptCommand:       "fail",
		OptHost:          host,
		OptPort:          port,
		OptUsername:      testUser,
		OptPassword:      testPassword,
		OptExitThreshold: 3,
	})
	assert.NoError(t, err)
}

func TestRemoteGeneratorBadPassword(t *testing.T) {
	host, port, _ := startSSHServer(t, echoHandler)

	rec, err := runGenerator(t, Remote(), map[string]any{
		OptCommand:  "uptime",
		OptHost:     host,
		OptPort:     port,
		OptUsername: testUser,
		OptPassword: "wrong",
	})
	var trErr *pipeerr.TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, []string{protocol.StateStart, protocol.StateError}, rec.States())
}

func TestRemoteGeneratorKnownHosts(t *testing.T) {
	host, port, hostKey := startSSHServer(t, echoHandler)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	good := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(good, []byte(knownhosts.Line([]string{addr}, hostKey)+"\n"), 0600))

	_, err := runGenerator(t, Remote(), map[string]any{
		OptCommand:    "uptime",
		OptHost:       host,
		OptPort:       port,
		OptUsername:   testUser,
		OptPassword:   testPassword,
		OptKnownHosts: good,
	})
	require.NoError(t, err)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)
	bad := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(bad, []byte(knownhosts.Line([]string{addr}, otherSigner.PublicKey())+"\n"), 0600))

	_, err = runGenerator(t, Remote(), map[string]any{
		OptCommand:    "uptime",
		OptHost:       host,
		OptPort:       port,
		OptUsername:   testUser,
		OptPassword:   testPassword,
		OptKnownHosts: bad,
	})
	var trErr *pipeerr.TransportError
	assert.ErrorAs(t, err, &trErr)
}

func TestRemoteGeneratorRequiresCredentials(t *testing.T) {
	_, err := runGenerator(t, Remote(), map[string]any{OptCommand: "uptime", OptUsername: testUser})
	var cfgErr *pipeerr.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, OptPassword, cfgErr.Option)

	_, err = runGenerator(t, Remote(), map[string]any{OptCommand: "uptime", OptPassword: testPassword})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, OptUsername, cfgErr.Option)
}
