package process

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// DefaultBufferSize bounds the captured combined output kept per service.
const DefaultBufferSize = 1 << 20

// tailBuffer keeps the last limit bytes written to it and notifies watchers
// when a substring shows up in the stream.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
	watchers  []*watcher
}

type watcher struct {
	substr string
	carry  string
	ch     chan struct{}
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultBufferSize
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	if len(b.watchers) > 0 {
		chunk := string(p)
		kept := b.watchers[:0]
		for _, w := range b.watchers {
			s := w.carry + chunk
			if strings.Contains(s, w.substr) {
				close(w.ch)
				continue
			}
			if keep := len(w.substr) - 1; len(s) > keep {
				s = s[len(s)-keep:]
			}
			w.carry = s
			kept = append(kept, w)
		}
		b.watchers = kept
	}
	return len(p), nil
}

// watch returns a channel closed once substr has appeared in the output,
// including output already buffered.
func (b *tailBuffer) watch(substr string) <-chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	defer b.mu.Unlock()
	if bytes.Contains(b.buf, []byte(substr)) {
		close(ch)
		return ch
	}
	carry := string(b.buf)
	if keep := len(substr) - 1; len(carry) > keep {
		carry = carry[len(carry)-keep:]
	}
	b.watchers = append(b.watchers, &watcher{substr: substr, carry: carry, ch: ch})
	return ch
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}

// prefixWriter writes complete lines to w, each prefixed with "[name] ".
// Writes are serialized through a mutex shared by every service echoing to w.
type prefixWriter struct {
	mu      *sync.Mutex
	w       io.Writer
	prefix  []byte
	pending []byte
}

func newPrefixWriter(mu *sync.Mutex, w io.Writer, name string) *prefixWriter {
	return &prefixWriter{mu: mu, w: w, prefix: []byte("[" + name + "] ")}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		p.emit(p.pending[:i+1])
		p.pending = p.pending[i+1:]
	}
	return len(b), nil
}

// Flush writes any trailing partial line.
func (p *prefixWriter) Flush() {
	if len(p.pending) > 0 {
		p.emit(append(p.pending, '\n'))
		p.pending = nil
	}
}

func (p *prefixWriter) emit(line []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.w.Write(p.prefix)
	_, _ = p.w.Write(line)
}
