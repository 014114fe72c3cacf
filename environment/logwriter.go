package environment

import (
	"bytes"
	"sync"
)

// logWriter receives raw container output, splits it into lines and hands
// each complete line to emit on a background goroutine, so Write never
// blocks the engine's log stream.
type logWriter struct {
	emit func(lines []string)

	mu     sync.Mutex
	buf    bytes.Buffer
	ch     chan string
	done   chan struct{}
	closed bool
}

func newLogWriter(emit func(lines []string)) *logWriter {
	w := &logWriter{
		emit: emit,
		ch:   make(chan string, 256),
		done: make(chan struct{}),
	}
	go w.drain()
	return w
}

// drain batches whatever lines are queued and emits them together.
func (w *logWriter) drain() {
	defer close(w.done)
	for first := range w.ch {
		batch := []string{first}
	gather:
		for {
			select {
			case line, ok := <-w.ch:
				if !ok {
					break gather
				}
				batch = append(batch, line)
			default:
				break gather
			}
		}
		w.emit(batch)
	}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			w.buf.Write(line)
			break
		}
		w.enqueue(string(bytes.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

// Flush emits any partial line and waits for queued lines to be emitted.
// Later writes are dropped.
func (w *logWriter) Flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	if w.buf.Len() > 0 {
		w.enqueue(w.buf.String())
		w.buf.Reset()
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	<-w.done
}

// enqueue drops the line when the queue is full. Caller holds w.mu.
func (w *logWriter) enqueue(line string) {
	if line == "" {
		return
	}
	select {
	case w.ch <- line:
	default:
	}
}
