package nixstore

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStringPadding(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want int // bytes on the wire including length prefix
	}{
		{"", 8},
		{"a", 16},
		{"12345678", 16},
		{"123456789", 24},
	} {
		var buf bytes.Buffer
		if err := writeString(&buf, tt.s); err != nil {
			t.Fatal(err)
		}
		if got := buf.Len(); got != tt.want {
			t.Errorf("writeString(%q) wrote %d bytes, want %d", tt.s, got, tt.want)
		}
		got, err := readString(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.s {
			t.Errorf("round trip of %q: got %q", tt.s, got)
		}
	}
}

func TestFramedWriter(t *testing.T) {
	var buf bytes.Buffer
	fw := newFramedWriter(&buf)
	if _, err := fw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(nil); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		5, 0, 0, 0, 0, 0, 0, 0,
		'h', 'e', 'l', 'l', 'o',
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Errorf("framed stream: diff (-want +got):\n%s", diff)
	}
}

// fakeDaemon runs fn on the daemon side of a pipe after completing the
// handshake, and returns a connected client.
func fakeDaemon(t *testing.T, fn func(r io.Reader, w io.Writer), opts ...Option) *Client {
	t.Helper()
	clientEnd, daemonEnd := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		defer daemonEnd.Close()
		if err := daemonHandshake(daemonEnd, daemonEnd); err != nil {
			errc <- err
			return
		}
		if fn != nil {
			fn(daemonEnd, daemonEnd)
		}
		errc <- nil
	}()
	client, err := Connect(clientEnd, opts...)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("fake daemon: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("fake daemon did not exit")
		}
	})
	return client
}

func daemonHandshake(r io.Reader, w io.Writer) error {
	if _, err := readUint64(r); err != nil { // client magic
		return err
	}
	if err := writeUint64(w, workerMagic2); err != nil {
		return err
	}
	if err := writeUint64(w, protocolVersion); err != nil {
		return err
	}
	for i := 0; i < 3; i++ { // client version, affinity, reserve space
		if _, err := readUint64(r); err != nil {
			return err
		}
	}
	if err := writeString(w, "2.18.1"); err != nil {
		return err
	}
	if err := writeUint64(w, 1); err != nil { // trusted
		return err
	}
	return writeUint64(w, stderrLast)
}

func TestIsValidPath(t *testing.T) {
	const path = "/nix/store/0c4qbsx1qdqrfm13sfl4gag33fkaslkp-hello-2.12"
	client := fakeDaemon(t, func(r io.Reader, w io.Writer) {
		if op, _ := readUint64(r); op != opIsValidPath {
			t.Errorf("got op %d, want %d", op, opIsValidPath)
		}
		got, _ := readString(r)
		if got != path {
			t.Errorf("got path %q, want %q", got, path)
		}
		writeUint64(w, stderrLast)
		writeUint64(w, 1)
	})
	valid, err := client.IsValidPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("IsValidPath = false, want true")
	}
}

func TestQueryPathInfo(t *testing.T) {
	const path = "/nix/store/0c4qbsx1qdqrfm13sfl4gag33fkaslkp-hello-2.12"
	client := fakeDaemon(t, func(r io.Reader, w io.Writer) {
		readUint64(r) // op
		readString(r) // path
		writeUint64(w, stderrLast)
		writeUint64(w, 1) // valid
		writeString(w, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12.drv")
		writeString(w, "sha256:1b8m03r63zqhnjf7l5wnldhh7c134ap5vpj0850ymkq1iyzicy5z")
		writeStrings(w, []string{path})
		writeUint64(w, 1700000000)
		writeUint64(w, 4096)
		writeUint64(w, 0) // ultimate
		writeStrings(w, []string{"cache.example.org-1:c2lnbmF0dXJl"})
		writeString(w, "")
	})
	info, err := client.QueryPathInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	want := &PathInfo{
		Path:             path,
		Deriver:          "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12.drv",
		NarHash:          "sha256:1b8m03r63zqhnjf7l5wnldhh7c134ap5vpj0850ymkq1iyzicy5z",
		References:       []string{path},
		RegistrationTime: time.Unix(1700000000, 0),
		NarSize:          4096,
		Signatures:       []string{"cache.example.org-1:c2lnbmF0dXJl"},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("QueryPathInfo: diff (-want +got):\n%s", diff)
	}
}

func TestQueryPathInfoInvalid(t *testing.T) {
	client := fakeDaemon(t, func(r io.Reader, w io.Writer) {
		readUint64(r)
		readString(r)
		writeUint64(w, stderrLast)
		writeUint64(w, 0) // not valid
	})
	info, err := client.QueryPathInfo("/nix/store/0c4qbsx1qdqrfm13sfl4gag33fkaslkp-nope")
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Errorf("got %+v, want nil for invalid path", info)
	}
}

func TestBuildDerivationStreamsLog(t *testing.T) {
	var lines []string
	client := fakeDaemon(t, func(r io.Reader, w io.Writer) {
		readUint64(r) // op
		readString(r) // drv path
		// outputs
		n, _ := readUint64(r)
		for i := uint64(0); i < n*4; i++ {
			readString(r)
		}
		readStrings(r) // input srcs
		readString(r)  // platform
		readString(r)  // builder
		readStrings(r) // args
		env, _ := readUint64(r)
		for i := uint64(0); i < env*2; i++ {
			readString(r)
		}
		readUint64(r) // mode

		// two log lines, then the result
		for _, line := range []string{"unpacking sources", "building"} {
			writeUint64(w, stderrResult)
			writeUint64(w, 7)                // activity id
			writeUint64(w, ResultBuildLogLine) // type
			writeUint64(w, 1)                // one field
			writeUint64(w, 1)                // string field
			writeString(w, line)
		}
		writeUint64(w, stderrLast)
		writeUint64(w, BuildStatusBuilt)
		writeString(w, "")
		writeUint64(w, 1) // times built
		writeUint64(w, 0) // non-deterministic
		writeUint64(w, 100)
		writeUint64(w, 200)
		writeUint64(w, 0) // built outputs
	}, WithEvents(func(ev ProgressEvent) {
		if ev.Kind == EventResult && ev.Type == ResultBuildLogLine && len(ev.Fields) == 1 {
			lines = append(lines, ev.Fields[0].Str)
		}
	}))

	drv := &BasicDerivation{
		Outputs: map[string]DerivationOutput{
			"out": {Path: "/nix/store/0c4qbsx1qdqrfm13sfl4gag33fkaslkp-hello-2.12"},
		},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:     []string{"-e", "builder.sh"},
		Env:      map[string]string{"out": "/nix/store/0c4qbsx1qdqrfm13sfl4gag33fkaslkp-hello-2.12"},
	}
	res, err := client.BuildDerivation("/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-hello-2.12.drv", drv, BuildModeNormal)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success() {
		t.Errorf("build result %d not successful", res.Status)
	}
	if diff := cmp.Diff([]string{"unpacking sources", "building"}, lines); diff != "" {
		t.Errorf("log lines: diff (-want +got):\n%s", diff)
	}
}

func TestDaemonErrorSurfaces(t *testing.T) {
	client := fakeDaemon(t, func(r io.Reader, w io.Writer) {
		readUint64(r)
		readString(r)
		writeUint64(w, stderrError)
		writeString(w, "Error")
		writeUint64(w, 0)  // level
		writeString(w, "") // name
		writeString(w, "path is not valid")
		writeUint64(w, 0) // position
		writeUint64(w, 0) // traces
	})
	_, err := client.IsValidPath("/nix/store/0c4qbsx1qdqrfm13sfl4gag33fkaslkp-x")
	derr, ok := err.(*DaemonError)
	if !ok {
		t.Fatalf("got %T (%v), want *DaemonError", err, err)
	}
	if derr.Message != "path is not valid" {
		t.Errorf("got message %q", derr.Message)
	}
}
