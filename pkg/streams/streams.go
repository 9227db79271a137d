// Package streams holds small helpers for readers, writers and captured
// output.
package streams

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// CloseQuietly closes c and logs a failure at debug level. A nil c is
// ignored.
func CloseQuietly(logger zerolog.Logger, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Debug().Err(err).Str("closer", fmt.Sprintf("%T", c)).Msg("Error closing (ignored)")
	}
}

// FromString returns a reader over the UTF-8 bytes of s.
func FromString(s string) io.Reader {
	return strings.NewReader(s)
}

// ReadFully reads r to the end and returns its content as a string.
func ReadFully(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read stream: %w", err)
	}
	return string(data), nil
}

// SizeFunc returns a function reporting the current length of buf.
func SizeFunc(buf *bytes.Buffer) func() int {
	if buf == nil {
		panic("streams: nil buffer")
	}
	return buf.Len
}

// Tail returns the last max bytes of s prefixed with "... ", or s itself
// when it is short enough or max is negative.
func Tail(s string, max int) string {
	if max >= 0 && len(s) > max {
		return "... " + s[len(s)-max:]
	}
	return s
}

// LogStreamTail logs message followed by the tail of buf at info level. It
// returns false, logging nothing, when buf is nil or empty.
func LogStreamTail(logger zerolog.Logger, message string, buf *bytes.Buffer, max int) bool {
	if buf == nil || buf.Len() == 0 {
		return false
	}
	logger.Info().Msg(message + ":\n" + Tail(buf.String(), max))
	return true
}

// LineReader reads newline separated lines with the trailing "\r\n" or "\n"
// removed.
type LineReader struct {
	scanner *bufio.Scanner
	line    string
}

// NewLineReader returns a LineReader over r. Lines longer than the
// scanner's default limit are reported through Err.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{scanner: bufio.NewScanner(r)}
}

// Next advances to the next line.
func (l *LineReader) Next() bool {
	if !l.scanner.Scan() {
		return false
	}
	l.line = l.scanner.Text()
	return true
}

// Line returns the line read by the last call to Next.
func (l *LineReader) Line() string {
	return l.line
}

// Err returns the first read error.
func (l *LineReader) Err() error {
	return l.scanner.Err()
}

// Lines reads every remaining line.
func (l *LineReader) Lines() ([]string, error) {
	var out []string
	for l.Next() {
		out = append(out, l.Line())
	}
	return out, l.Err()
}
