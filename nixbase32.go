package nixforge

import (
	"strings"

	"golang.org/x/xerrors"
)

// The store hash alphabet: base-32 without e, o, u and t. Characters
// encode 5-bit groups taken from the byte string least significant
// bit first, emitted most significant group first. This matches the
// encoding the daemon and the binary cache format use for NarHash and
// FileHash fields.
const nixbase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// NixBase32 encodes b in the store's base-32 variant.
func NixBase32(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	length := (len(b)*8 + 4) / 5
	out := make([]byte, 0, length)
	for n := length - 1; n >= 0; n-- {
		i := n * 5 / 8
		j := uint(n*5) % 8
		c := b[i] >> j
		if i+1 < len(b) {
			c |= b[i+1] << (8 - j)
		}
		out = append(out, nixbase32Alphabet[c&0x1f])
	}
	return string(out)
}

// NixBase32Decode reverses NixBase32. It rejects strings that are not
// a canonical encoding of any byte sequence.
func NixBase32Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b := make([]byte, len(s)*5/8)
	for n := 0; n < len(s); n++ {
		c := strings.IndexByte(nixbase32Alphabet, s[len(s)-1-n])
		if c < 0 {
			return nil, xerrors.Errorf("invalid base-32 character %q", s[len(s)-1-n])
		}
		i := n * 5 / 8
		j := uint(n*5) % 8
		b[i] |= byte(c) << j
		if spill := byte(c) >> (8 - j); spill != 0 {
			if i+1 >= len(b) {
				return nil, xerrors.Errorf("non-canonical base-32 string %q", s)
			}
			b[i+1] |= spill
		}
	}
	return b, nil
}
