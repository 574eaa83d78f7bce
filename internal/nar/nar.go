// Package nar reads and writes the archive serialization used to move
// store paths between stores. The format is deterministic: directory
// entries are emitted in byte order, and only the executable bit of
// the file mode survives.
package nar

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"
)

const magic = "nix-archive-1"

const maxTokenSize = 4096 // tokens are keywords, names and targets, never file contents

var zeroPad [8]byte

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

func writeToken(w io.Writer, s string) error {
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

func readToken(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	if n > maxTokenSize {
		return "", xerrors.Errorf("archive token of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n+uint64(7-(n+7)%8))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func expectToken(r io.Reader, want string) error {
	got, err := readToken(r)
	if err != nil {
		return err
	}
	if got != want {
		return xerrors.Errorf("archive: got token %q, want %q", got, want)
	}
	return nil
}

// DumpPath serializes the file, directory or symlink at path to w.
func DumpPath(w io.Writer, path string) error {
	if err := writeToken(w, magic); err != nil {
		return err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	return dumpNode(w, path, fi)
}

func dumpNode(w io.Writer, path string, fi os.FileInfo) error {
	if err := writeToken(w, "("); err != nil {
		return err
	}
	if err := writeToken(w, "type"); err != nil {
		return err
	}
	switch {
	case fi.Mode().IsRegular():
		if err := dumpRegular(w, path, fi); err != nil {
			return err
		}
	case fi.IsDir():
		if err := dumpDirectory(w, path); err != nil {
			return err
		}
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		for _, tok := range []string{"symlink", "target", target} {
			if err := writeToken(w, tok); err != nil {
				return err
			}
		}
	default:
		return xerrors.Errorf("%s: unsupported file type %v", path, fi.Mode())
	}
	return writeToken(w, ")")
}

func dumpRegular(w io.Writer, path string, fi os.FileInfo) error {
	if err := writeToken(w, "regular"); err != nil {
		return err
	}
	if fi.Mode()&0111 != 0 {
		if err := writeToken(w, "executable"); err != nil {
			return err
		}
		if err := writeToken(w, ""); err != nil {
			return err
		}
	}
	if err := writeToken(w, "contents"); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(fi.Size())); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return err
	}
	if n != fi.Size() {
		return xerrors.Errorf("%s: size changed during archiving", path)
	}
	if pad := (8 - n%8) % 8; pad > 0 {
		if _, err := w.Write(zeroPad[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func dumpDirectory(w io.Writer, path string) error {
	if err := writeToken(w, "directory"); err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		for _, tok := range []string{"entry", "(", "name", entry.Name(), "node"} {
			if err := writeToken(w, tok); err != nil {
				return err
			}
		}
		fi, err := os.Lstat(filepath.Join(path, entry.Name()))
		if err != nil {
			return err
		}
		if err := dumpNode(w, filepath.Join(path, entry.Name()), fi); err != nil {
			return err
		}
		if err := writeToken(w, ")"); err != nil {
			return err
		}
	}
	return nil
}

// Copy forwards exactly one archive from src to dst, using the
// format's self-delimiting structure to find its end. It returns the
// number of archive bytes copied. src may carry trailing data; it is
// left unread.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	tee := &countingTee{r: src, w: dst}
	if err := expectToken(tee, magic); err != nil {
		return tee.n, xerrors.Errorf("not an archive: %w", err)
	}
	if err := copyNode(tee); err != nil {
		return tee.n, err
	}
	return tee.n, nil
}

type countingTee struct {
	r io.Reader
	w io.Writer
	n int64
}

func (t *countingTee) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.n += int64(n)
		if _, werr := t.w.Write(p[:n]); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func copyNode(r io.Reader) error {
	if err := expectToken(r, "("); err != nil {
		return err
	}
	if err := expectToken(r, "type"); err != nil {
		return err
	}
	typ, err := readToken(r)
	if err != nil {
		return err
	}
	switch typ {
	case "regular":
		tok, err := readToken(r)
		if err != nil {
			return err
		}
		if tok == "executable" {
			if err := expectToken(r, ""); err != nil {
				return err
			}
			if tok, err = readToken(r); err != nil {
				return err
			}
		}
		if tok != "contents" {
			return xerrors.Errorf("archive: got token %q, want %q", tok, "contents")
		}
		size, err := readUint64(r)
		if err != nil {
			return err
		}
		padded := int64(size) + int64((8-size%8)%8)
		if _, err := io.CopyN(io.Discard, r, padded); err != nil {
			return err
		}
	case "symlink":
		if err := expectToken(r, "target"); err != nil {
			return err
		}
		if _, err := readToken(r); err != nil {
			return err
		}
	case "directory":
		for {
			tok, err := readToken(r)
			if err != nil {
				return err
			}
			if tok == ")" {
				return nil
			}
			if tok != "entry" {
				return xerrors.Errorf("archive: got token %q, want %q", tok, "entry")
			}
			if err := expectToken(r, "("); err != nil {
				return err
			}
			if err := expectToken(r, "name"); err != nil {
				return err
			}
			if _, err := readToken(r); err != nil {
				return err
			}
			if err := expectToken(r, "node"); err != nil {
				return err
			}
			if err := copyNode(r); err != nil {
				return err
			}
			if err := expectToken(r, ")"); err != nil {
				return err
			}
		}
	default:
		return xerrors.Errorf("archive: unknown node type %q", typ)
	}
	return expectToken(r, ")")
}
