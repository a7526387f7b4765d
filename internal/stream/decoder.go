// Package stream decodes the chat streaming channel into typed events.
package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DataPrefix marks a line that carries a frame.
const DataPrefix = "data: "

// Decoder extracts frames from a newline-delimited stream. A frame is the
// trimmed remainder of a line beginning with "data: "; every other line is
// skipped. A trailing line with no terminating newline is discarded when the
// stream ends.
//
// A Decoder is not safe for concurrent use; each stream owns its own.
//
// Usage:
//
//	dec := NewDecoder(body)
//	for dec.Next() {
//	    handle(dec.Frame())
//	}
//	if err := dec.Err(); err != nil {
//	    // transport failure
//	}
type Decoder struct {
	reader *bufio.Reader
	frame  string
	err    error
	done   bool
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
	}
}

// Next advances to the next frame. It returns false once the stream ends or
// a read fails; Err distinguishes the two.
func (d *Decoder) Next() bool {
	d.frame = ""
	if d.done {
		return false
	}

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil {
			// Whatever is in line has no terminating newline and may be cut
			// mid-frame, so it is never emitted.
			d.done = true
			if !errors.Is(err, io.EOF) {
				d.err = err
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, DataPrefix) {
			continue
		}

		d.frame = strings.TrimSpace(line[len(DataPrefix):])
		return true
	}
}

// Frame returns the payload of the current frame. Only valid after Next
// returns true.
func (d *Decoder) Frame() string {
	return d.frame
}

// Err returns the read error that ended the stream, or nil on a clean end.
func (d *Decoder) Err() error {
	return d.err
}
