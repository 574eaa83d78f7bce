package nixstore

import (
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"
)

const defaultSSHTimeout = 30 * time.Second

// SSHConfig describes how to reach a remote daemon over SSH.
type SSHConfig struct {
	Host          string
	Port          int
	User          string
	PrivateKeyPEM []byte
	// DaemonCommand is the remote command that speaks the protocol on
	// its standard streams. Defaults to "nix-daemon --stdio".
	DaemonCommand string
	Timeout       time.Duration
}

// sshConn is a duplex stream over an SSH session running the remote
// daemon. Close tears down session, connection and the remote process.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sshConn) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *sshConn) Write(b []byte) (int, error) { return s.stdin.Write(b) }

func (s *sshConn) Close() error {
	s.stdin.Close()
	s.session.Close()
	return s.client.Close()
}

// DialSSH connects to the daemon on a remote build server by running
// the daemon command over an SSH session.
func DialSSH(cfg SSHConfig, opts ...Option) (*Client, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, xerrors.Errorf("parsing private key: %w", err)
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultSSHTimeout
	}
	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Build servers are registered by their organization; host
		// key pinning is not part of the server record.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // nolint: gosec
		Timeout:         timeout,
	}
	hostPort := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", hostPort, clientCfg)
	if err != nil {
		return nil, xerrors.Errorf("dialing %s: %w", hostPort, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	command := cfg.DaemonCommand
	if command == "" {
		command = "nix-daemon --stdio"
	}
	if err := session.Start(command); err != nil {
		session.Close()
		client.Close()
		return nil, xerrors.Errorf("starting remote daemon: %w", err)
	}
	return Connect(&sshConn{client: client, session: session, stdin: stdin, stdout: stdout}, opts...)
}
