package job

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
)

// TailWriter keeps the last N non-empty lines written to it, thread safe
type TailWriter struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

// NewTailWriter makes io.Writer keeping up to maxLines last lines, 0 disables capture
func NewTailWriter(maxLines int) *TailWriter {
	return &TailWriter{maxLines: maxLines}
}

// Write satisfies io.Writer, partial lines at the write boundary kept as separate lines
func (w *TailWriter) Write(p []byte) (n int, err error) {
	if w.maxLines == 0 {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(w.lines) >= w.maxLines {
			w.lines = w.lines[1:]
		}
		w.lines = append(w.lines, string(line))
	}
	return len(p), nil
}

// String returns kept lines joined with new line
func (w *TailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.lines, "\n")
}

// fileTail returns last maxLines lines of the file, empty string if the file can't be read
func fileTail(path string, maxLines int) string {
	fh, err := os.Open(path) //nolint:gosec // path made from backend workdir
	if err != nil {
		return ""
	}
	defer fh.Close() //nolint:errcheck // read only
	tw := NewTailWriter(maxLines)
	if _, err := io.Copy(tw, fh); err != nil {
		return ""
	}
	return tw.String()
}
