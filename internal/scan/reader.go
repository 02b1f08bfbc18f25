package scan

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// ReaderSource adapts a line-oriented reader into a capture source. Handheld
// QR scanners in serial/keyboard-wedge mode present exactly this shape: one
// decoded payload per line. It also makes the loop drivable from stdin.
type ReaderSource struct {
	mu      sync.Mutex
	r       io.Reader
	lines   chan string
	started bool
}

var _ Source = (*ReaderSource)(nil)

// NewReaderSource wraps r. A nil reader behaves like no attached device.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, lines: make(chan string)}
}

func (s *ReaderSource) Open(ctx context.Context) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return nil, ErrNoDevice
	}
	if !s.started {
		s.started = true
		go s.pump()
	}
	return &readerDevice{src: s, closed: make(chan struct{})}, nil
}

func (s *ReaderSource) pump() {
	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.lines <- line
	}
	close(s.lines)
}

var errDeviceClosed = errors.New("capture device closed")

type readerDevice struct {
	src       *ReaderSource
	closeOnce sync.Once
	closed    chan struct{}
}

func (d *readerDevice) Decode(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-d.closed:
		return "", errDeviceClosed
	case line, ok := <-d.src.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

func (d *readerDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
