package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/roach88/blockvault/internal/store"
)

// SSHConfig configures an SSH transport connection.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	Insecure   bool // skip host key verification
	KnownHosts string // path to known_hosts file; defaults to ~/.ssh/known_hosts
	Timeout    time.Duration
}

// SSHTransport is a Transport backed by a single SSH connection.
type SSHTransport struct {
	client *ssh.Client
}

// DialSSH establishes an SSH connection per cfg, authenticating with the
// private key at cfg.KeyPath.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHTransport, error) {
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %v", store.ErrTransportFailed, cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key %s: %v", store.ErrTransportFailed, cfg.KeyPath, err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", store.ErrTransportFailed, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", store.ErrTransportFailed, addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &SSHTransport{client: client}, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve home directory for known_hosts: %v", store.ErrTransportFailed, err)
		}
		path = home + "/.ssh/known_hosts"
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load known_hosts %s: %v", store.ErrTransportFailed, path, err)
	}
	return cb, nil
}

// Exec runs command and returns its combined stdout/stderr.
func (t *SSHTransport) Exec(ctx context.Context, command string) (string, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", store.ErrTransportFailed, err)
	}
	defer session.Close()

	done := make(chan struct{})
	var out bytes.Buffer
	var runErr error
	go func() {
		out2, err2 := session.CombinedOutput(command)
		out.Write(out2)
		runErr = err2
		close(done)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", fmt.Errorf("%w: %v", store.ErrCancelled, ctx.Err())
	case <-done:
	}

	if runErr != nil {
		return out.String(), fmt.Errorf("%w: command %q: %v: %s", store.ErrRemoteScriptFailed, command, runErr, out.String())
	}
	return out.String(), nil
}

// sshProcess adapts an *ssh.Session to Process.
type sshProcess struct {
	session *ssh.Session
	stdout  io.Reader
	stdin   io.Writer
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stdin() io.Writer  { return p.stdin }

func (p *sshProcess) Wait() error {
	if err := p.session.Wait(); err != nil {
		return fmt.Errorf("%w: remote process: %v", store.ErrTransportFailed, err)
	}
	return nil
}

func (p *sshProcess) Close() error {
	// The signal request fails harmlessly if the command already exited.
	_ = p.session.Signal(ssh.SIGKILL)
	return p.session.Close()
}

// Start launches command on the remote host, returning a handle to its
// stdio streams. Closing the returned Process sends the command SIGKILL
// and then tears down the session.
func (t *SSHTransport) Start(ctx context.Context, command string) (Process, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", store.ErrTransportFailed, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", store.ErrTransportFailed, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", store.ErrTransportFailed, err)
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: start %q: %v", store.ErrTransportFailed, command, err)
	}

	return &sshProcess{session: session, stdout: stdout, stdin: stdin}, nil
}

// Upload writes content to path on the remote host via a shell pipeline,
// since the connection's SSH config does not carry an sftp subsystem.
func (t *SSHTransport) Upload(ctx context.Context, path string, content []byte, mode uint32) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: open session: %v", store.ErrTransportFailed, err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(content)
	cmd := fmt.Sprintf("mkdir -p \"$(dirname %q)\" && cat > %q && chmod %o %q", path, path, mode, path)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("%w: upload %s: %v", store.ErrTransportFailed, path, err)
	}
	return nil
}

// Close closes the SSH connection.
func (t *SSHTransport) Close() error {
	return t.client.Close()
}
