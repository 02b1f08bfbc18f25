package scan

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptDevice hands out queued payloads and records whether it was closed.
type scriptDevice struct {
	payloads chan string
	closed   atomic.Bool
}

func newScriptDevice(buffer int) *scriptDevice {
	return &scriptDevice{payloads: make(chan string, buffer)}
}

func (d *scriptDevice) Decode(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case p, ok := <-d.payloads:
		if !ok || d.closed.Load() {
			return "", errDeviceClosed
		}
		return p, nil
	}
}

func (d *scriptDevice) Close() error {
	d.closed.Store(true)
	return nil
}

// scriptSource reopens the same device and counts opens.
type scriptSource struct {
	device *scriptDevice
	opens  atomic.Int64
	err    error
}

func (s *scriptSource) Open(ctx context.Context) (Device, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.opens.Add(1)
	s.device.closed.Store(false)
	return s.device, nil
}

// scriptSubmitter replays queued results and checks the device is released
// before each submission arrives.
type scriptSubmitter struct {
	t       *testing.T
	device  *scriptDevice
	mu      sync.Mutex
	results []func() (Receipt, error)
	calls   atomic.Int64
	done    chan struct{}
	doneOne sync.Once
}

func (s *scriptSubmitter) Submit(ctx context.Context, slipCode string) (Receipt, error) {
	if s.device != nil && !s.device.closed.Load() {
		s.t.Error("submission started while the capture device was still open")
	}
	s.mu.Lock()
	var next func() (Receipt, error)
	if len(s.results) > 0 {
		next = s.results[0]
		s.results = s.results[1:]
	}
	remaining := len(s.results)
	s.mu.Unlock()

	s.calls.Add(1)
	if remaining == 0 && s.done != nil {
		defer s.doneOne.Do(func() { close(s.done) })
	}
	if next == nil {
		return Receipt{Code: "OK", SlipCode: slipCode}, nil
	}
	return next()
}

type statusLog struct {
	mu       sync.Mutex
	messages []string
}

func (s *statusLog) add(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *statusLog) contains(substr string) bool {
	for _, m := range s.snapshot() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func (s *statusLog) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func TestLoopScanSubmitResume(t *testing.T) {
	device := newScriptDevice(2)
	device.payloads <- "SLIP-1"
	device.payloads <- "SLIP-2"
	source := &scriptSource{device: device}

	usedAt := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	sub := &scriptSubmitter{
		t:      t,
		device: device,
		done:   make(chan struct{}),
		results: []func() (Receipt, error){
			func() (Receipt, error) {
				return Receipt{HTTPStatus: 200, Code: "OK", SlipCode: "SLIP-1", UsedAt: &usedAt}, nil
			},
			func() (Receipt, error) {
				return Receipt{HTTPStatus: 409, Code: "ALREADY_USED", Message: "This slip has already been used"}, nil
			},
		},
	}

	statuses := &statusLog{}
	loop := New(source, sub, WithCooldown(time.Millisecond), WithStatusFunc(statuses.add))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	select {
	case <-sub.done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not process both payloads in time")
	}
	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run error: %v", err)
	}

	if !statuses.contains("Verifying SLIP-1") {
		t.Fatalf("missing submit status, got %v", statuses.snapshot())
	}
	if !statuses.contains("Verified: SLIP-1") {
		t.Fatalf("missing success status, got %v", statuses.snapshot())
	}
	if !statuses.contains("ALREADY_USED: This slip has already been used") {
		t.Fatalf("missing rejection status, got %v", statuses.snapshot())
	}
	if loop.State() != StateIdle {
		t.Fatalf("expected idle after teardown, got %s", loop.State())
	}
	if !device.closed.Load() {
		t.Fatal("device leaked after teardown")
	}
	if n := source.opens.Load(); n < 2 {
		t.Fatalf("loop did not resume scanning after an outcome, opens=%d", n)
	}
}

func TestLoopNoCamera(t *testing.T) {
	statuses := &statusLog{}
	loop := New(&scriptSource{err: ErrNoDevice}, &scriptSubmitter{t: t}, WithStatusFunc(statuses.add))

	err := loop.Run(context.Background())
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if loop.State() != StateError {
		t.Fatalf("expected error state, got %s", loop.State())
	}
	if !statuses.contains("No camera found") {
		t.Fatalf("missing status, got %v", statuses.snapshot())
	}
}

func TestLoopNetworkErrorResumes(t *testing.T) {
	device := newScriptDevice(2)
	device.payloads <- "SLIP-1"
	device.payloads <- "SLIP-1"
	source := &scriptSource{device: device}

	sub := &scriptSubmitter{
		t:      t,
		device: device,
		done:   make(chan struct{}),
		results: []func() (Receipt, error){
			func() (Receipt, error) { return Receipt{}, errors.New("connection refused") },
			func() (Receipt, error) { return Receipt{Code: "OK", SlipCode: "SLIP-1"}, nil },
		},
	}

	statuses := &statusLog{}
	loop := New(source, sub, WithCooldown(time.Millisecond), WithStatusFunc(statuses.add))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	select {
	case <-sub.done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stalled after a transport failure")
	}
	cancel()
	<-runErr

	if !statuses.contains("Network error: connection refused") {
		t.Fatalf("missing network error status, got %v", statuses.snapshot())
	}
	if sub.calls.Load() != 2 {
		t.Fatalf("expected a resumed submission, calls=%d", sub.calls.Load())
	}
}

func TestLoopResetSkipsCooldown(t *testing.T) {
	device := newScriptDevice(2)
	device.payloads <- "SLIP-1"
	device.payloads <- "SLIP-2"
	source := &scriptSource{device: device}

	sub := &scriptSubmitter{t: t, device: device, done: make(chan struct{}), results: []func() (Receipt, error){
		func() (Receipt, error) { return Receipt{Code: "OK", SlipCode: "SLIP-1"}, nil },
		func() (Receipt, error) { return Receipt{Code: "OK", SlipCode: "SLIP-2"}, nil },
	}}

	// Cooldown far longer than the test timeout: only Reset can get the
	// second payload submitted in time.
	loop := New(source, sub, WithCooldown(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for sub.calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("first submission never happened")
		case <-time.After(time.Millisecond):
		}
	}
	loop.Reset()

	select {
	case <-sub.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reset did not skip the cooldown")
	}
	cancel()
	<-runErr
}

func TestLoopTeardownReleasesDevice(t *testing.T) {
	device := newScriptDevice(0) // Decode blocks forever
	source := &scriptSource{device: device}
	loop := New(source, &scriptSubmitter{t: t, device: device})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for source.opens.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("device never opened")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run error: %v", err)
	}
	if !device.closed.Load() {
		t.Fatal("teardown leaked the capture device")
	}
	if loop.State() != StateIdle {
		t.Fatalf("expected idle after teardown, got %s", loop.State())
	}
}

func TestReaderSourceEOF(t *testing.T) {
	source := NewReaderSource(strings.NewReader("SLIP-1\n"))
	sub := &scriptSubmitter{t: t}
	statuses := &statusLog{}
	loop := New(source, sub, WithCooldown(time.Millisecond), WithStatusFunc(statuses.add))

	err := loop.Run(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF when the reader drains, got %v", err)
	}
	if sub.calls.Load() != 1 {
		t.Fatalf("expected one submission before EOF, calls=%d", sub.calls.Load())
	}
	if !statuses.contains("Capture source closed") {
		t.Fatalf("missing close status, got %v", statuses.snapshot())
	}
}
