package bridge

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// DefaultMaxLineBytes caps how much of a single line the framer buffers
// before discarding it.
const DefaultMaxLineBytes = 1 << 20

// LineFramer splits a byte stream into lines. It is push based: Write
// appends to an internal buffer and invokes the callback once per complete
// non-empty line, with CRLF and LF treated identically. A line that grows
// past maxLineBytes is discarded with a warning and the framer
// resynchronizes at the next newline, so one oversized record never takes
// memory or the stream down with it.
type LineFramer struct {
	onLine       func(line []byte)
	logger       *logger.Logger
	maxLineBytes int

	buf        []byte
	discarding bool
}

// NewLineFramer creates a framer with the default line cap.
func NewLineFramer(onLine func(line []byte), log *logger.Logger) *LineFramer {
	return &LineFramer{
		onLine:       onLine,
		logger:       log,
		maxLineBytes: DefaultMaxLineBytes,
	}
}

// Write implements io.Writer. It never returns an error; malformed input is
// dropped, not propagated.
func (f *LineFramer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)

	start := 0
	for {
		nl := bytes.IndexByte(f.buf[start:], '\n')
		if nl < 0 {
			break
		}
		f.feed(f.buf[start : start+nl])
		start += nl + 1
	}
	if start > 0 {
		f.buf = append(f.buf[:0], f.buf[start:]...)
	}

	if f.discarding {
		// Still inside an oversized line; drop the bytes.
		f.buf = f.buf[:0]
	} else if len(f.buf) > f.maxLineBytes {
		f.logger.Warn("discarding oversized line",
			zap.Int("buffered_bytes", len(f.buf)),
			zap.Int("max_bytes", f.maxLineBytes))
		f.buf = f.buf[:0]
		f.discarding = true
	}
	return len(p), nil
}

func (f *LineFramer) feed(line []byte) {
	if f.discarding {
		// Tail of an oversized line; the newline resynchronizes.
		f.discarding = false
		return
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) == 0 {
		return
	}
	if len(line) > f.maxLineBytes {
		f.logger.Warn("discarding oversized line",
			zap.Int("line_bytes", len(line)),
			zap.Int("max_bytes", f.maxLineBytes))
		return
	}
	f.onLine(line)
}
