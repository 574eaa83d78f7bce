// Package nixstore speaks the derivation-daemon wire protocol over a
// generic duplex transport. The same client serves a local daemon on a
// UNIX socket, a per-organization child-process daemon and a remote
// daemon tunneled through SSH.
package nixstore

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// maxStringSize bounds wire strings so a corrupt peer cannot make us
// allocate without limit.
const maxStringSize = 64 << 20

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeUint64(w, 1)
	}
	return writeUint64(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	v, err := readUint64(r)
	return v != 0, err
}

var zeroPad [8]byte

// writeString writes a length-prefixed string padded to 8 bytes.
func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	if pad := (8 - len(s)%8) % 8; pad > 0 {
		if _, err := w.Write(zeroPad[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	if n > maxStringSize {
		return "", xerrors.Errorf("wire string of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if pad := (8 - n%8) % 8; pad > 0 {
		var junk [8]byte
		if _, err := io.ReadFull(r, junk[:pad]); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := writeUint64(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n > maxStringSize/8 {
		return nil, xerrors.Errorf("wire string list of %d entries exceeds limit", n)
	}
	ss := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
