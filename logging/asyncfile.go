package logging

import (
	"fmt"
	"os"
	"sync"
)

const asyncFileBuffer = 128

// AsyncFile decouples log writes from disk latency: Write hands the data to
// a background goroutine and returns without waiting for the disk. Close
// flushes everything queued and reports the first write failure.
type AsyncFile struct {
	f    *os.File
	ch   chan []byte
	done chan struct{}
	// werr is written only by the drain goroutine and read after done closes.
	werr error

	mu     sync.Mutex
	closed bool
}

// NewAsyncFile creates path and starts its background writer.
func NewAsyncFile(path string) (*AsyncFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	af := &AsyncFile{
		f:    f,
		ch:   make(chan []byte, asyncFileBuffer),
		done: make(chan struct{}),
	}
	go af.drain()
	return af, nil
}

// Write queues data for the background writer. The bytes are copied, so the
// caller may reuse its buffer immediately.
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()
	if af.closed {
		return fmt.Errorf("async file is closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	af.ch <- buf
	return nil
}

func (af *AsyncFile) drain() {
	defer close(af.done)
	for data := range af.ch {
		if _, err := af.f.Write(data); err != nil && af.werr == nil {
			af.werr = err
		}
	}
}

// Close flushes queued writes and closes the file. Closing twice is
// harmless; the second call returns nil.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.closed {
		af.mu.Unlock()
		return nil
	}
	af.closed = true
	close(af.ch)
	af.mu.Unlock()

	<-af.done
	cerr := af.f.Close()
	if af.werr != nil {
		return af.werr
	}
	return cerr
}
