package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/log"
	"github.com/mattjoyce/bigstream/internal/pipeerr"
	"github.com/mattjoyce/bigstream/internal/pipeline"
	"github.com/mattjoyce/bigstream/internal/proc"
)

// Remote generator option names.
const (
	OptHost        = "host"
	OptPort        = "port"
	OptUsername    = "username"
	OptPassword    = "password"
	OptPrivateKey  = "privateKey"
	OptPassphrase  = "passphrase"
	OptKnownHosts  = "known_hosts"
	OptDialTimeout = "dial_timeout"
)

const remoteGrace = 5 * time.Second

// Remote runs a command over SSH and streams its stdout, with stderr as the
// first auxiliary channel.
func Remote() *Generator {
	return &Generator{
		Name:    "remote",
		Trigger: OptCommand,
		Options: config.Options{
			{Name: OptCommand},
			{Name: OptHost, Default: "localhost"},
			{Name: OptPort, Default: 22, Validate: config.PositiveInt},
			{Name: OptUsername},
			{Name: OptPassword},
			{Name: OptPrivateKey, Validate: config.ReadKeyFile},
			{Name: OptPassphrase},
			{Name: OptKnownHosts},
			{Name: OptDialTimeout, Default: 10000, Validate: config.PositiveInt},
			{Name: OptExitThreshold, Default: 0, Validate: config.NonNegativeInt},
		},
		Open: openRemote,
	}
}

func openRemote(cfg config.Resolved) (pipeline.Source, error) {
	command := cfg.String(OptCommand, "")
	if command == "" {
		return nil, &pipeerr.ConfigError{Option: OptCommand, Err: errors.New("no command to run")}
	}
	if !cfg.Has(OptUsername) {
		return nil, &pipeerr.ConfigError{Option: OptUsername, Err: errors.New("required for remote commands")}
	}

	logger := log.WithGenerator("remote")
	clientCfg, err := clientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.String(OptHost, "localhost"), strconv.FormatInt(cfg.Int(OptPort, 22), 10))
	start := func(ctx context.Context) (proc.Handle, error) {
		return dialSession(ctx, addr, command, clientCfg, logger)
	}
	return proc.NewStream("remote", command, int(cfg.Int(OptExitThreshold, 0)), start), nil
}

func clientConfig(cfg config.Resolved, logger *slog.Logger) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if key := cfg.Bytes(OptPrivateKey); len(key) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if pass := cfg.String(OptPassphrase, ""); pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, &pipeerr.ConfigError{Option: OptPrivateKey, Err: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pass := cfg.String(OptPassword, ""); pass != "" {
		auth = append(auth, ssh.Password(pass))
	}
	if len(auth) == 0 {
		return nil, &pipeerr.ConfigError{Option: OptPassword, Err: errors.New("password or privateKey is required")}
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if path := cfg.String(OptKnownHosts, ""); path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, &pipeerr.ConfigError{Option: OptKnownHosts, Err: err}
		}
		hostKey = cb
	} else {
		logger.Warn("no known_hosts configured, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            cfg.String(OptUsername, ""),
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Millis(OptDialTimeout, 10*time.Second),
	}, nil
}

func dialSession(ctx context.Context, addr, command string, cfg *ssh.ClientConfig, logger *slog.Logger) (proc.Handle, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	h := &sessionHandle{client: client, session: session, logger: logger, exited: make(chan struct{})}
	if h.stdout, err = session.StdoutPipe(); err != nil {
		h.close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if h.stderr, err = session.StderrPipe(); err != nil {
		h.close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Debug("starting remote command", "addr", addr, "command", command)
	if err := session.Start(command); err != nil {
		h.close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}
	return h, nil
}

// sessionHandle adapts an SSH session to proc.Handle.
type sessionHandle struct {
	client  *ssh.Client
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader
	logger  *slog.Logger

	exited    chan struct{}
	termOnce  sync.Once
	closeOnce sync.Once
}

func (h *sessionHandle) Stdin() io.WriteCloser { return nil }
func (h *sessionHandle) Stdout() io.Reader     { return h.stdout }
func (h *sessionHandle) Stderr() io.Reader     { return h.stderr }

func (h *sessionHandle) Wait() (int, error) {
	defer close(h.exited)
	defer h.close()

	err := h.session.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (h *sessionHandle) Terminate() {
	h.termOnce.Do(func() {
		h.logger.Warn("terminating remote command, sending SIGTERM")
		if err := h.session.Signal(ssh.SIGTERM); err != nil {
			h.logger.Debug("failed to signal remote command", "error", err)
		}
		go func() {
			grace := time.NewTimer(remoteGrace)
			defer grace.Stop()
			select {
			case <-h.exited:
			case <-grace.C:
				h.logger.Warn("remote command did not exit, closing connection")
				h.close()
			}
		}()
	})
}

func (h *sessionHandle) close() {
	h.closeOnce.Do(func() {
		h.session.Close()
		h.client.Close()
	})
}
