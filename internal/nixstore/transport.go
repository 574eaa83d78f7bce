package nixstore

import (
	"context"
	"io"
	"net"
	"os/exec"

	"golang.org/x/xerrors"
)

// DefaultSocket is where a system-wide daemon listens.
const DefaultSocket = "/nix/var/nix/daemon-socket/socket"

// DialUnix connects to a daemon listening on a UNIX socket.
func DialUnix(ctx context.Context, socket string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, xerrors.Errorf("dialing daemon socket %s: %w", socket, err)
	}
	return Connect(conn, opts...)
}

// procConn is a duplex stream over a child process's stdin/stdout.
type procConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *procConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *procConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procConn) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	return p.cmd.Wait()
}

// StartLocal spawns a daemon child process speaking the protocol on
// its standard streams. A non-empty storeURI makes the child serve a
// store rooted there instead of the system store, which is how
// organizations without a shared store get isolated local stores.
func StartLocal(ctx context.Context, nixBin, storeURI string, opts ...Option) (*Client, error) {
	args := []string{"daemon", "--stdio", "--extra-experimental-features", "nix-command"}
	if storeURI != "" {
		args = append(args, "--store", storeURI)
	}
	cmd := exec.CommandContext(ctx, nixBin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Errorf("starting %s: %w", nixBin, err)
	}
	return Connect(&procConn{cmd: cmd, stdin: stdin, stdout: stdout}, opts...)
}
