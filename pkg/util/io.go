package util

import (
	"io"
	"os"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NopWriteCloser returns a WriteCloser whose Close does nothing.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}

// OpenAppend opens path for appending, creating it if needed. An empty path selects stdout,
// which is never closed.
func OpenAppend(path string) (io.WriteCloser, error) {
	if path == "" {
		return NopWriteCloser(os.Stdout), nil
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
}
