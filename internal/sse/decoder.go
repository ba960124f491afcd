// Package sse decodes a chunked text/event-stream body into records.
package sse

import (
	"bytes"
	"strings"
)

// DefaultMaxRecordBytes bounds the size of a single record when no limit is configured.
const DefaultMaxRecordBytes = 1 << 20

// Record is one blank-line delimited block of field lines.
// Comment lines are already removed and the first line always carries the data field.
type Record struct {
	Lines []string
}

// Stats counts records the decoder has emitted or discarded.
type Stats struct {
	Emitted   int
	NonData   int
	Oversized int
}

// Decoder is an incremental event-stream decoder. It keeps incomplete trailing
// input between calls, so records split across chunks decode the same as when
// they arrive whole. A Decoder is not safe for concurrent use.
type Decoder struct {
	maxRecordBytes int

	buf      []byte
	lines    []string
	size     int
	oversize bool
	skipLine bool

	stats Stats
}

// NewDecoder creates a decoder. A non-positive limit selects DefaultMaxRecordBytes.
func NewDecoder(maxRecordBytes int) *Decoder {
	if maxRecordBytes <= 0 {
		maxRecordBytes = DefaultMaxRecordBytes
	}
	return &Decoder{maxRecordBytes: maxRecordBytes}
}

// Feed consumes the next chunk and returns the records it completed.
func (d *Decoder) Feed(p []byte) []Record {
	d.buf = append(d.buf, p...)

	var out []Record
	start := 0
	for {
		idx := bytes.IndexAny(d.buf[start:], "\r\n")
		if idx < 0 {
			break
		}
		end := start + idx
		next := end + 1
		if d.buf[end] == '\r' {
			// A lone CR at the end of the input may be the first half of CRLF.
			if next == len(d.buf) {
				break
			}
			if d.buf[next] == '\n' {
				next++
			}
		}
		if rec, ok := d.line(d.buf[start:end]); ok {
			out = append(out, rec)
		}
		start = next
	}

	d.compact(start)
	return out
}

// Flush terminates the stream, emitting any record left in the buffer.
// The decoder is reset and may be reused.
func (d *Decoder) Flush() []Record {
	var out []Record
	if len(d.buf) > 0 {
		if rec, ok := d.line(bytes.TrimSuffix(d.buf, []byte("\r"))); ok {
			out = append(out, rec)
		}
	}
	d.skipLine = false
	if rec, ok := d.line(nil); ok {
		out = append(out, rec)
	}
	d.buf = nil
	return out
}

// Stats returns counters accumulated since the decoder was created.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Buffered returns the number of bytes held back waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// line processes one complete line and reports a record when the line was blank.
func (d *Decoder) line(l []byte) (Record, bool) {
	// Tail of a line that was already dropped for exceeding the limit.
	if d.skipLine {
		d.skipLine = false
		return Record{}, false
	}

	if len(l) == 0 {
		return d.endRecord()
	}
	if l[0] == ':' {
		return Record{}, false
	}
	if d.oversize {
		return Record{}, false
	}

	d.size += len(l)
	if d.size > d.maxRecordBytes {
		d.oversize = true
		d.lines = nil
		return Record{}, false
	}
	d.lines = append(d.lines, string(l))
	return Record{}, false
}

func (d *Decoder) endRecord() (Record, bool) {
	lines, oversize := d.lines, d.oversize
	d.lines, d.size, d.oversize = nil, 0, false

	switch {
	case oversize:
		d.stats.Oversized++
		return Record{}, false
	case len(lines) == 0:
		return Record{}, false
	case !IsDataLine(lines[0]):
		d.stats.NonData++
		return Record{}, false
	}
	d.stats.Emitted++
	return Record{Lines: lines}, true
}

// compact drops consumed input and enforces the record limit on a partial line.
func (d *Decoder) compact(start int) {
	rest := d.buf[start:]
	partial := len(rest)
	if partial > 0 && rest[partial-1] == '\r' {
		partial--
	}

	if partial > 0 && d.dropPartial(rest[:partial]) {
		d.skipLine = true
		// Keep a trailing CR so a split CRLF is still recognised.
		if partial < len(rest) {
			d.buf = append(d.buf[:0], '\r')
		} else {
			d.buf = d.buf[:0]
		}
		return
	}
	if start > 0 {
		d.buf = append(d.buf[:0], rest...)
	}
}

// dropPartial reports whether an unterminated line can be discarded before its
// terminator arrives. Comment lines never count toward the record size, so a
// long comment is dropped on its own without spoiling the record around it.
func (d *Decoder) dropPartial(p []byte) bool {
	switch {
	case d.skipLine:
		return true
	case p[0] == ':':
		return len(p) > d.maxRecordBytes
	case d.oversize || d.size+len(p) > d.maxRecordBytes:
		d.oversize = true
		d.lines = nil
		return true
	}
	return false
}

// IsDataLine reports whether a field line carries the data field.
func IsDataLine(line string) bool {
	return strings.HasPrefix(line, "data:")
}
