package job

import (
	"bytes"
	"fmt"
	"io"
)

const prefixMaxLen = 16

// PrefixWriter adds "[fqid] " prefix to every line written through it. Used to merge outputs
// of subjobs into a single stream.
type PrefixWriter struct {
	w       io.Writer
	prefix  []byte
	midLine bool // last write ended without newline
}

// NewPrefixWriter makes writer with prefix made of the label, long labels truncated
func NewPrefixWriter(w io.Writer, label string) *PrefixWriter {
	return &PrefixWriter{w: w, prefix: prefixFor(label)}
}

// Write implements io.Writer, returns number of bytes of data written, without prefixes
func (p *PrefixWriter) Write(data []byte) (int, error) {
	written := 0
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line = data[:i+1]
		}
		if !p.midLine {
			if _, err := p.w.Write(p.prefix); err != nil {
				return written, err
			}
		}
		n, err := p.w.Write(line)
		written += n
		if err != nil {
			return written, err
		}
		p.midLine = line[len(line)-1] != '\n'
		data = data[len(line):]
	}
	return written, nil
}

func prefixFor(label string) []byte {
	if len(label) > prefixMaxLen {
		label = label[:prefixMaxLen] + "..."
	}
	return []byte(fmt.Sprintf("[%s] ", label))
}
