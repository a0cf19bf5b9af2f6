package protocol

import "errors"

// ErrFrameTooLarge is returned when an incomplete record grows past the
// framer's limit. The connection should be dropped.
var ErrFrameTooLarge = errors.New("protocol: record exceeds maximum size")

// Framer splits a byte stream of concatenated JSON values into records
// without assuming any delimiter. It tracks nesting depth and string state
// across calls, so each byte is scanned once regardless of how the stream
// is chunked.
//
// Bytes that cannot start an object or array are returned as their own
// frame (up to the next '{' or '['); decoding that frame fails, which lets
// the caller report it while the stream resynchronizes.
type Framer struct {
	buf   []byte
	start int // first unconsumed byte
	pos   int // next byte to scan, start <= pos <= len(buf)
	max   int

	depth    int
	inString bool
	escaped  bool
}

// NewFramer returns a Framer that fails once a single pending record holds
// more than max bytes. max <= 0 disables the limit.
func NewFramer(max int) *Framer {
	return &Framer{max: max}
}

// Feed appends p and returns every record completed by it, in stream order.
// Returned frames alias the internal buffer and are valid until the next
// call to Feed. Trailing partial bytes are retained. When the retained
// partial record exceeds the limit, the complete frames are still returned
// along with ErrFrameTooLarge.
func (f *Framer) Feed(p []byte) ([][]byte, error) {
	f.compact()
	f.buf = append(f.buf, p...)

	var frames [][]byte
	for {
		if f.depth == 0 && f.pos == f.start {
			f.skipSpace()
			if f.start == len(f.buf) {
				break
			}
			if c := f.buf[f.start]; c != '{' && c != '[' {
				end := f.nextOpen(f.start + 1)
				frames = append(frames, f.buf[f.start:end])
				f.start, f.pos = end, end
				continue
			}
		}
		if !f.scan() {
			break
		}
		frames = append(frames, f.buf[f.start:f.pos])
		f.start = f.pos
	}

	if f.max > 0 && f.Buffered() > f.max {
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Buffered returns the number of retained bytes not yet returned as a frame.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.start
}

// Reset discards all buffered bytes and scan state.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.start, f.pos, f.depth = 0, 0, 0
	f.inString, f.escaped = false, false
}

// scan advances pos until the value starting at start closes. It reports
// whether a complete value is available.
func (f *Framer) scan() bool {
	for f.pos < len(f.buf) {
		c := f.buf[f.pos]
		f.pos++

		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
			continue
		}

		switch c {
		case '"':
			f.inString = true
		case '{', '[':
			f.depth++
		case '}', ']':
			f.depth--
			if f.depth == 0 {
				return true
			}
		}
	}
	return false
}

func (f *Framer) skipSpace() {
	for f.start < len(f.buf) {
		switch f.buf[f.start] {
		case ' ', '\t', '\r', '\n':
			f.start++
		default:
			f.pos = f.start
			return
		}
	}
	f.pos = f.start
}

func (f *Framer) nextOpen(from int) int {
	for i := from; i < len(f.buf); i++ {
		if c := f.buf[i]; c == '{' || c == '[' {
			return i
		}
	}
	return len(f.buf)
}

// compact drops consumed bytes so the buffer does not grow without bound on
// long-lived connections.
func (f *Framer) compact() {
	if f.start == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.start:])
	f.buf = f.buf[:n]
	f.pos -= f.start
	f.start = 0
}
