package nixstore

import (
	"io"
	"time"
)

// PathInfo is the daemon's metadata record for one valid store path.
// NarHash is in the daemon's textual hash format (base16 with an
// algorithm prefix, e.g. "sha256:...").
type PathInfo struct {
	Path             string
	Deriver          string
	NarHash          string
	References       []string
	RegistrationTime time.Time
	NarSize          uint64
	Ultimate         bool
	Signatures       []string
	CA               string
}

// QueryPathInfo returns the daemon's metadata for path, or nil if the
// path is not valid.
func (c *Client) QueryPathInfo(path string) (*PathInfo, error) {
	err := c.op(opQueryPathInfo, func(w io.Writer) error {
		return writeString(w, path)
	})
	if err != nil {
		return nil, err
	}
	valid, err := readBool(c.r)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, nil
	}
	info := &PathInfo{Path: path}
	if err := c.readPathInfoBody(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) readPathInfoBody(info *PathInfo) error {
	var err error
	if info.Deriver, err = readString(c.r); err != nil {
		return err
	}
	if info.NarHash, err = readString(c.r); err != nil {
		return err
	}
	if info.References, err = readStrings(c.r); err != nil {
		return err
	}
	regTime, err := readUint64(c.r)
	if err != nil {
		return err
	}
	info.RegistrationTime = time.Unix(int64(regTime), 0)
	if info.NarSize, err = readUint64(c.r); err != nil {
		return err
	}
	if info.Ultimate, err = readBool(c.r); err != nil {
		return err
	}
	if info.Signatures, err = readStrings(c.r); err != nil {
		return err
	}
	info.CA, err = readString(c.r)
	return err
}

// AddToStoreNar registers info on the daemon and streams the path's
// NAR serialization from nar. The caller provides exactly the NAR
// bytes; they are sent framed, so nar need not know its own length.
func (c *Client) AddToStoreNar(info *PathInfo, nar io.Reader, repair, dontCheckSigs bool) error {
	if err := writeUint64(c.w, opAddToStoreNar); err != nil {
		return err
	}
	if err := writeString(c.w, info.Path); err != nil {
		return err
	}
	if err := writeString(c.w, info.Deriver); err != nil {
		return err
	}
	if err := writeString(c.w, info.NarHash); err != nil {
		return err
	}
	if err := writeStrings(c.w, info.References); err != nil {
		return err
	}
	if err := writeUint64(c.w, uint64(info.RegistrationTime.Unix())); err != nil {
		return err
	}
	if err := writeUint64(c.w, info.NarSize); err != nil {
		return err
	}
	if err := writeBool(c.w, info.Ultimate); err != nil {
		return err
	}
	if err := writeStrings(c.w, info.Signatures); err != nil {
		return err
	}
	if err := writeString(c.w, info.CA); err != nil {
		return err
	}
	if err := writeBool(c.w, repair); err != nil {
		return err
	}
	if err := writeBool(c.w, dontCheckSigs); err != nil {
		return err
	}
	fw := newFramedWriter(c.w)
	if _, err := io.Copy(fw, nar); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	return c.processStderr()
}

// NarFromPath requests path's NAR serialization. It returns a reader
// positioned at the start of the NAR stream; the caller must consume
// the serialization exactly to its end (the format is self-delimiting)
// before issuing further operations on the client.
func (c *Client) NarFromPath(path string) (io.Reader, error) {
	err := c.op(opNarFromPath, func(w io.Writer) error {
		return writeString(w, path)
	})
	if err != nil {
		return nil, err
	}
	return c.r, nil
}
