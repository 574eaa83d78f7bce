package nixforge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHexRoundTrip(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0x00},
		{0xde, 0xad, 0xbe, 0xef},
		{0x00, 0xff, 0x10, 0x01},
	} {
		got, err := HexToVec(VecToHex(b))
		if err != nil {
			t.Fatalf("HexToVec(VecToHex(%x)): %v", b, err)
		}
		if diff := cmp.Diff(b, got); diff != "" && !(len(b) == 0 && len(got) == 0) {
			t.Errorf("round trip of %x: diff (-want +got):\n%s", b, diff)
		}
	}
}

func TestHexStringRoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"00",
		"deadbeef",
		"0123456789abcdef",
	} {
		b, err := HexToVec(s)
		if err != nil {
			t.Fatalf("HexToVec(%q): %v", s, err)
		}
		if got := VecToHex(b); got != s {
			t.Errorf("VecToHex(HexToVec(%q)) = %q", s, got)
		}
	}
}

func TestHexToVecRejectsOddLength(t *testing.T) {
	for _, s := range []string{"a", "abc", "zz"} {
		if _, err := HexToVec(s); err == nil {
			t.Errorf("HexToVec(%q): expected error", s)
		}
	}
}
