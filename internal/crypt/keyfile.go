package crypt

import (
	"crypto/rand"
	"os"

	"golang.org/x/xerrors"
)

// WithKeyFile writes key to a 0600 temp file, calls fn with its path
// and removes the file on every exit path. The file contents are
// overwritten before removal so a freed block never holds the key.
func WithKeyFile(key []byte, fn func(path string) error) error {
	f, err := os.CreateTemp("", "nixforge-key-*")
	if err != nil {
		return xerrors.Errorf("creating key file: %w", err)
	}
	name := f.Name()
	defer shred(name, len(key))

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return xerrors.Errorf("chmod %s: %w", name, err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return xerrors.Errorf("writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("closing %s: %w", name, err)
	}
	return fn(name)
}

// shred best-effort overwrites and removes a key file. Errors are
// deliberately not reported: removal must not mask the caller's error.
func shred(name string, size int) {
	if f, err := os.OpenFile(name, os.O_WRONLY, 0600); err == nil {
		junk := make([]byte, size)
		rand.Read(junk)
		f.Write(junk)
		f.Sync()
		f.Close()
	}
	os.Remove(name)
}
