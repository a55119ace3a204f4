package parser

import "bytes"

// RawLine is one newline-delimited record and the byte offset it starts at.
type RawLine struct {
	Text   string
	Offset int64
}

// LineBuffer splits a byte stream into lines, carrying an unterminated
// trailing fragment over to the next Feed.
type LineBuffer struct {
	pending []byte
	start   int64 // source offset of pending[0]
}

// Feed appends chunk, which begins at source offset at, to any carried
// fragment and returns the complete lines. Line terminators (\n or \r\n) are
// stripped and empty lines dropped.
func (b *LineBuffer) Feed(at int64, chunk []byte) []RawLine {
	if len(chunk) == 0 {
		return nil
	}
	data := chunk
	base := at
	if len(b.pending) > 0 {
		data = append(b.pending, chunk...)
		base = b.start
		b.pending = nil
	}

	var lines []RawLine
	var pos int64
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(data[:i], "\r")
		if len(line) > 0 {
			lines = append(lines, RawLine{Text: string(line), Offset: base + pos})
		}
		data = data[i+1:]
		pos += int64(i + 1)
	}
	if len(data) > 0 {
		b.pending = append([]byte(nil), data...)
		b.start = base + pos
	}
	return lines
}

// Flush returns the carried fragment as a final line and clears it. It is
// used when the underlying file is replaced and no continuation will come.
func (b *LineBuffer) Flush() (RawLine, bool) {
	line := bytes.TrimRight(b.pending, "\r")
	start := b.start
	b.pending = nil
	b.start = 0
	if len(line) == 0 {
		return RawLine{}, false
	}
	return RawLine{Text: string(line), Offset: start}, true
}

// Pending returns the number of carried bytes.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}
