package server

import (
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r io.Reader, bufSize int) string {
	t.Helper()
	var out []byte
	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return string(out)
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if n == 0 {
			return string(out)
		}
	}
}

func TestLFToCRLF(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare lf", "a\nb", "a\r\nb"},
		{"multiple", "a\nb\nc\n", "a\r\nb\r\nc\r\n"},
		{"already crlf", "a\r\nb", "a\r\nb"},
		{"mixed", "a\r\nb\nc", "a\r\nb\r\nc"},
		{"empty", "", ""},
		{"only lf", "\n", "\r\n"},
		{"bare cr", "a\rb", "a\rb"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := readAll(t, newLFToCRLFReader(strings.NewReader(tc.in)), 64)
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLFToCRLFSmallBuffer(t *testing.T) {
	t.Parallel()

	// One-byte reads force the pending-LF path where the CR and LF of an
	// expansion land in different Read calls.
	got := readAll(t, newLFToCRLFReader(strings.NewReader("a\nb\nc")), 1)
	if want := "a\r\nb\r\nc"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCRLFToLF(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "a\r\nb", "a\nb"},
		{"multiple", "a\r\nb\r\nc\r\n", "a\nb\nc\n"},
		{"bare lf kept", "a\nb", "a\nb"},
		{"bare cr kept", "a\rb", "a\rb"},
		{"cr at end", "a\r", "a\r"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := readAll(t, newCRLFToLFReader(strings.NewReader(tc.in)), 64)
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestASCIIRoundTrip(t *testing.T) {
	t.Parallel()

	// A Unix text file expanded for the wire and collapsed on the far side
	// comes back identical.
	original := "line one\nline two\nline three\n"
	wire := readAll(t, newLFToCRLFReader(strings.NewReader(original)), 7)
	if !strings.Contains(wire, "\r\n") {
		t.Fatal("wire form should contain CRLF")
	}
	back := readAll(t, newCRLFToLFReader(strings.NewReader(wire)), 5)
	if back != original {
		t.Errorf("round trip got %q, want %q", back, original)
	}
}
