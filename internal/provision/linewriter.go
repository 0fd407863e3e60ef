package provision

import (
	"bytes"
	"sync"
)

// LineWriter splits a byte stream into lines. Every complete line is passed
// to emit as soon as its newline arrives; an unterminated tail is kept until
// more data comes in or Flush is called.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	last string
	emit func(line string)
}

func NewLineWriter(emit func(line string)) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(w.buf[start:], '\n')
		if i < 0 {
			break
		}
		w.line(w.buf[start : start+i])
		start += i + 1
	}
	w.buf = append(w.buf[:0], w.buf[start:]...)
	return len(p), nil
}

// Flush emits the pending tail, if any.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(w.buf)
		w.buf = w.buf[:0]
	}
}

// Pending returns the bytes received after the last newline.
func (w *LineWriter) Pending() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

// Last returns the last non-empty line emitted.
func (w *LineWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *LineWriter) line(b []byte) {
	s := string(bytes.TrimRight(b, "\r"))
	if s == "" {
		return
	}
	w.last = s
	if w.emit != nil {
		w.emit(s)
	}
}
