package nixstore

import "io"

// framedWriter chunks a byte stream into length-prefixed frames, the
// encoding the daemon expects for streamed operation payloads. Frames
// are not padded. Close writes the zero-length terminator frame but
// does not close the underlying writer.
type framedWriter struct {
	w io.Writer
}

func newFramedWriter(w io.Writer) *framedWriter {
	return &framedWriter{w: w}
}

func (f *framedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeUint64(f.w, uint64(len(p))); err != nil {
		return 0, err
	}
	return f.w.Write(p)
}

func (f *framedWriter) Close() error {
	return writeUint64(f.w, 0)
}
