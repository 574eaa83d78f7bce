package nixstore

import (
	"io"

	"golang.org/x/xerrors"
)

const (
	workerMagic1 = 0x6e697863 // "nixc", client hello
	workerMagic2 = 0x6478696f // "dxio", daemon hello

	// protocolVersion is 1.35, the newest version this client knows.
	// The daemon and client negotiate down to the lower of the two.
	protocolVersion = (1 << 8) | 35

	// minDaemonVersion is the oldest daemon we are willing to talk
	// to. BuildPathsWithResults needs 1.34, so anything older cannot
	// run builds for us anyway.
	minDaemonVersion = (1 << 8) | 34
)

func protocolMinor(v uint64) uint64 { return v & 0xff }

// worker op codes.
const (
	opIsValidPath              = 1
	opEnsurePath               = 10
	opQueryPathInfo            = 26
	opQueryValidPaths          = 31
	opBuildDerivation          = 36
	opNarFromPath              = 38
	opAddToStoreNar            = 39
	opQueryMissing             = 40
	opQueryDerivationOutputMap = 41
	opBuildPathsWithResults    = 62
)

// stderr message types interleaved into every response.
const (
	stderrNext          = 0x6f6c6d67
	stderrRead          = 0x64617461
	stderrWrite         = 0x64617416
	stderrLast          = 0x616c7473
	stderrError         = 0x63787470
	stderrStartActivity = 0x53545254
	stderrStopActivity  = 0x53544f50
	stderrResult        = 0x52534c54
)

// Activity result types we care about when collecting build logs.
const (
	ResultBuildLogLine     = 101
	ResultPostBuildLogLine = 107
)

// EventKind classifies a ProgressEvent.
type EventKind int

const (
	EventMessage EventKind = iota
	EventStartActivity
	EventStopActivity
	EventResult
)

// Field is one element of an activity's or result's field list.
type Field struct {
	Int      uint64
	Str      string
	IsString bool
}

// ProgressEvent is one stderr message received while an operation is
// in flight. For EventStartActivity, Type is the activity type and
// Text its description; for EventResult, Type is the result type.
type ProgressEvent struct {
	Kind       EventKind
	ActivityID uint64
	Type       uint64
	Text       string
	Fields     []Field
}

func readFields(r io.Reader) ([]Field, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	fields := make([]Field, 0, n)
	for i := uint64(0); i < n; i++ {
		typ, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		switch typ {
		case 0:
			v, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Int: v})
		case 1:
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Str: s, IsString: true})
		default:
			return nil, xerrors.Errorf("unknown field type %d", typ)
		}
	}
	return fields, nil
}

// DaemonError is a structured error relayed from the daemon.
type DaemonError struct {
	Level   uint64
	Message string
	Traces  []string
}

func (e *DaemonError) Error() string { return e.Message }

func readDaemonError(r io.Reader) (*DaemonError, error) {
	// type tag, always "Error"
	if _, err := readString(r); err != nil {
		return nil, err
	}
	level, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	// name, retained for compatibility only
	if _, err := readString(r); err != nil {
		return nil, err
	}
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	// position, always absent on the wire
	if _, err := readUint64(r); err != nil {
		return nil, err
	}
	ntraces, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	derr := &DaemonError{Level: level, Message: msg}
	for i := uint64(0); i < ntraces; i++ {
		if _, err := readUint64(r); err != nil { // trace position
			return nil, err
		}
		trace, err := readString(r)
		if err != nil {
			return nil, err
		}
		derr.Traces = append(derr.Traces, trace)
	}
	return derr, nil
}
