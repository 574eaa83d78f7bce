package nixstore

import (
	"bufio"
	"io"
	"sync"

	"golang.org/x/xerrors"
)

// Client is a daemon-protocol client over an arbitrary duplex stream.
// Methods must not be called concurrently; the protocol has no request
// multiplexing.
type Client struct {
	conn    io.ReadWriteCloser
	r       *bufio.Reader
	w       *bufio.Writer
	version uint64 // negotiated protocol version
	events  func(ProgressEvent)
	closeMu sync.Mutex
	closed  bool
}

// An Option configures a Client.
type Option func(*Client)

// WithEvents registers a callback invoked for every stderr message
// (log lines, activity start/stop, results) received while an
// operation is in flight. The callback runs on the caller's goroutine.
func WithEvents(fn func(ProgressEvent)) Option {
	return func(c *Client) { c.events = fn }
}

// Connect performs the protocol handshake over conn. On error the
// connection is closed.
func Connect(conn io.ReadWriteCloser, opts ...Option) (*Client, error) {
	c := &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := writeUint64(c.w, workerMagic1); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	magic, err := readUint64(c.r)
	if err != nil {
		return xerrors.Errorf("reading daemon hello: %w", err)
	}
	if magic != workerMagic2 {
		return xerrors.Errorf("bad daemon magic %#x", magic)
	}
	daemonVersion, err := readUint64(c.r)
	if err != nil {
		return err
	}
	if daemonVersion < minDaemonVersion {
		return xerrors.Errorf("daemon protocol 1.%d too old, need at least 1.%d",
			protocolMinor(daemonVersion), protocolMinor(minDaemonVersion))
	}
	c.version = daemonVersion
	if c.version > protocolVersion {
		c.version = protocolVersion
	}
	if err := writeUint64(c.w, protocolVersion); err != nil {
		return err
	}
	// obsolete CPU affinity and reserve-space fields
	if err := writeUint64(c.w, 0); err != nil {
		return err
	}
	if err := writeUint64(c.w, 0); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	if protocolMinor(c.version) >= 33 {
		if _, err := readString(c.r); err != nil { // daemon version string
			return err
		}
	}
	if protocolMinor(c.version) >= 35 {
		if _, err := readUint64(c.r); err != nil { // trusted flag
			return err
		}
	}
	// drain the greeting's stderr stream
	return c.processStderr()
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// processStderr consumes stderr messages until the daemon signals the
// end of the stream, dispatching each to the event callback.
func (c *Client) processStderr() error {
	for {
		typ, err := readUint64(c.r)
		if err != nil {
			return xerrors.Errorf("reading stderr stream: %w", err)
		}
		switch typ {
		case stderrLast:
			return nil
		case stderrError:
			derr, err := readDaemonError(c.r)
			if err != nil {
				return err
			}
			return derr
		case stderrNext:
			msg, err := readString(c.r)
			if err != nil {
				return err
			}
			c.emit(ProgressEvent{Kind: EventMessage, Text: msg})
		case stderrStartActivity:
			var ev ProgressEvent
			ev.Kind = EventStartActivity
			if ev.ActivityID, err = readUint64(c.r); err != nil {
				return err
			}
			if _, err = readUint64(c.r); err != nil { // verbosity level
				return err
			}
			if ev.Type, err = readUint64(c.r); err != nil {
				return err
			}
			if ev.Text, err = readString(c.r); err != nil {
				return err
			}
			if ev.Fields, err = readFields(c.r); err != nil {
				return err
			}
			if _, err = readUint64(c.r); err != nil { // parent activity
				return err
			}
			c.emit(ev)
		case stderrStopActivity:
			id, err := readUint64(c.r)
			if err != nil {
				return err
			}
			c.emit(ProgressEvent{Kind: EventStopActivity, ActivityID: id})
		case stderrResult:
			var ev ProgressEvent
			ev.Kind = EventResult
			if ev.ActivityID, err = readUint64(c.r); err != nil {
				return err
			}
			if ev.Type, err = readUint64(c.r); err != nil {
				return err
			}
			if ev.Fields, err = readFields(c.r); err != nil {
				return err
			}
			c.emit(ev)
		case stderrRead, stderrWrite:
			return xerrors.Errorf("unexpected stderr message %#x: client does not serve daemon-side sources", typ)
		default:
			return xerrors.Errorf("unknown stderr message %#x", typ)
		}
	}
}

func (c *Client) emit(ev ProgressEvent) {
	if c.events != nil {
		c.events(ev)
	}
}

// op sends an op code and its request body, then drains the stderr
// stream. The response body can be read from c.r afterwards.
func (c *Client) op(code uint64, request func(w io.Writer) error) error {
	if err := writeUint64(c.w, code); err != nil {
		return err
	}
	if request != nil {
		if err := request(c.w); err != nil {
			return err
		}
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	return c.processStderr()
}

// IsValidPath reports whether path is a valid store path on the
// daemon's store.
func (c *Client) IsValidPath(path string) (bool, error) {
	err := c.op(opIsValidPath, func(w io.Writer) error {
		return writeString(w, path)
	})
	if err != nil {
		return false, err
	}
	return readBool(c.r)
}

// QueryValidPaths filters paths down to those valid on the daemon's
// store. When substitute is set the daemon may try substituters first.
func (c *Client) QueryValidPaths(paths []string, substitute bool) ([]string, error) {
	err := c.op(opQueryValidPaths, func(w io.Writer) error {
		if err := writeStrings(w, paths); err != nil {
			return err
		}
		return writeBool(w, substitute)
	})
	if err != nil {
		return nil, err
	}
	return readStrings(c.r)
}

// EnsurePath makes the daemon ensure path is valid, substituting or
// building it if necessary.
func (c *Client) EnsurePath(path string) error {
	err := c.op(opEnsurePath, func(w io.Writer) error {
		return writeString(w, path)
	})
	if err != nil {
		return err
	}
	_, err = readUint64(c.r) // dummy
	return err
}

// QueryDerivationOutputMap returns output name to store path for the
// given derivation path.
func (c *Client) QueryDerivationOutputMap(drvPath string) (map[string]string, error) {
	err := c.op(opQueryDerivationOutputMap, func(w io.Writer) error {
		return writeString(w, drvPath)
	})
	if err != nil {
		return nil, err
	}
	return readStringMap(c.r)
}

// Missing describes what realizing a set of targets would entail.
type Missing struct {
	WillBuild      []string
	WillSubstitute []string
	Unknown        []string
	DownloadSize   uint64
	NarSize        uint64
}

// QueryMissing asks the daemon what realizing targets would build,
// substitute or fail to find.
func (c *Client) QueryMissing(targets []string) (*Missing, error) {
	err := c.op(opQueryMissing, func(w io.Writer) error {
		return writeStrings(w, targets)
	})
	if err != nil {
		return nil, err
	}
	var m Missing
	if m.WillBuild, err = readStrings(c.r); err != nil {
		return nil, err
	}
	if m.WillSubstitute, err = readStrings(c.r); err != nil {
		return nil, err
	}
	if m.Unknown, err = readStrings(c.r); err != nil {
		return nil, err
	}
	if m.DownloadSize, err = readUint64(c.r); err != nil {
		return nil, err
	}
	if m.NarSize, err = readUint64(c.r); err != nil {
		return nil, err
	}
	return &m, nil
}
