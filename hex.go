package nixforge

import (
	"encoding/hex"

	"golang.org/x/xerrors"
)

// VecToHex encodes b as a lower-case hex string.
func VecToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToVec decodes an even-length hex string into bytes.
func HexToVec(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("decoding %q: %w", s, err)
	}
	return b, nil
}
