package streams

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type closer struct {
	err    error
	closed bool
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestCloseQuietly(t *testing.T) {
	var out bytes.Buffer
	logger := zerolog.New(&out).Level(zerolog.DebugLevel)

	ok := &closer{}
	CloseQuietly(logger, ok)
	if !ok.closed || out.Len() != 0 {
		t.Errorf("clean close: closed=%v log=%q", ok.closed, out.String())
	}

	bad := &closer{err: errors.New("already closed")}
	CloseQuietly(logger, bad)
	if !bad.closed || !strings.Contains(out.String(), "already closed") {
		t.Errorf("failed close not logged: %q", out.String())
	}

	CloseQuietly(logger, nil)
}

func TestReadFully(t *testing.T) {
	got, err := ReadFully(FromString("héllo\nworld"))
	if err != nil {
		t.Fatalf("ReadFully() error = %v", err)
	}
	if got != "héllo\nworld" {
		t.Errorf("ReadFully() = %q", got)
	}

	if _, err := ReadFully(failingReader{}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("ReadFully(failing) error = %v", err)
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"abcdef", 3, "... def"},
		{"abc", 3, "abc"},
		{"abc", 10, "abc"},
		{"abc", -1, "abc"},
		{"abc", 0, "... "},
	}
	for _, tt := range tests {
		if got := Tail(tt.in, tt.max); got != tt.want {
			t.Errorf("Tail(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestLogStreamTail(t *testing.T) {
	var out bytes.Buffer
	logger := zerolog.New(&out)

	if LogStreamTail(logger, "empty", nil, 10) || LogStreamTail(logger, "empty", &bytes.Buffer{}, 10) {
		t.Error("LogStreamTail() reported an empty stream")
	}
	if out.Len() != 0 {
		t.Errorf("empty stream logged %q", out.String())
	}

	buf := bytes.NewBufferString("line one\nline two\n")
	size := SizeFunc(buf)
	if size() != 18 {
		t.Errorf("size = %d", size())
	}
	if !LogStreamTail(logger, "output", buf, 9) {
		t.Fatal("LogStreamTail() = false")
	}
	if !strings.Contains(out.String(), `output:\n... line two\n`) {
		t.Errorf("logged %q", out.String())
	}
}

func TestLineReader(t *testing.T) {
	r := NewLineReader(FromString("one\r\ntwo\n\nthree"))
	got, err := r.Lines()
	if err != nil {
		t.Fatalf("Lines() error = %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two", "", "three"}, got); diff != "" {
		t.Errorf("Lines() mismatch (-want +got):\n%s", diff)
	}

	r = NewLineReader(failingReader{})
	if r.Next() {
		t.Error("Next() on failing reader = true")
	}
	if r.Err() == nil {
		t.Error("Err() = nil")
	}
}
