// Package scan drives the counter-side capture loop: decode a slip code,
// submit it to the gateway, show the result, cool down, resume. The QR
// decoding itself is a black box behind Device; the loop only guarantees the
// cycle's invariants — one open device, one in-flight submission, and a
// device that is always released before a submission starts and on teardown.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// State of the loop, in cycle order.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateSubmitting
	StateCooldown
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateSubmitting:
		return "submitting"
	case StateCooldown:
		return "cooldown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrNoDevice is returned by a Source with no attached capture device.
var ErrNoDevice = errors.New("no capture device found")

// Device is one open capture stream. Decode blocks until a payload is
// decoded, the context is cancelled, or the device fails. Close releases the
// underlying stream and unblocks a pending Decode.
type Device interface {
	Decode(ctx context.Context) (string, error)
	Close() error
}

// Source opens the first available capture device.
type Source interface {
	Open(ctx context.Context) (Device, error)
}

// Receipt is the gateway's decision for one submitted code.
type Receipt struct {
	HTTPStatus int
	Code       string
	Message    string
	SlipCode   string
	UsedAt     *time.Time
}

// OK reports whether the submission redeemed the slip.
func (r Receipt) OK() bool { return r.Code == "OK" }

// Submitter delivers one decoded payload to the gateway. A returned error
// means the transport failed; a structured rejection is a Receipt, not an
// error.
type Submitter interface {
	Submit(ctx context.Context, slipCode string) (Receipt, error)
}

const defaultCooldown = 2 * time.Second

// Loop is the scan state machine. Create with New, drive with Run.
type Loop struct {
	source   Source
	submit   Submitter
	cooldown time.Duration
	onStatus func(string)

	mu         sync.Mutex
	state      State
	device     Device
	lastStatus string

	resetCh chan struct{}
}

// Option configures the Loop.
type Option func(*Loop)

// WithCooldown overrides the pause between an outcome and the next scan.
func WithCooldown(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.cooldown = d
		}
	}
}

// WithStatusFunc registers a sink for human-readable status updates.
func WithStatusFunc(fn func(string)) Option {
	return func(l *Loop) {
		if fn != nil {
			l.onStatus = fn
		}
	}
}

// New builds a Loop over a capture source and a gateway submitter.
func New(source Source, submit Submitter, opts ...Option) *Loop {
	l := &Loop{
		source:   source,
		submit:   submit,
		cooldown: defaultCooldown,
		onStatus: func(string) {},
		resetCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns the most recent status message.
func (l *Loop) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStatus
}

// Reset stops any active stream immediately and skips a pending cooldown, so
// the next scan starts without delay.
func (l *Loop) Reset() {
	l.releaseDevice()
	select {
	case l.resetCh <- struct{}{}:
	default:
	}
}

// Run drives the cycle until the context is cancelled, the capture source
// disappears, or the source reports it has no device at all. Every other
// outcome — structured rejections and transport failures included — resolves
// to a status message and a resumed scan.
func (l *Loop) Run(ctx context.Context) error {
	l.status("Point the camera to the QR")

	for {
		if err := ctx.Err(); err != nil {
			l.setState(StateIdle)
			return err
		}

		code, err := l.scanOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			l.setState(StateIdle)
			return ctx.Err()
		case errors.Is(err, errReset):
			l.status("Scanner reset")
			continue
		case errors.Is(err, ErrNoDevice):
			// Deliberately not retried: a missing camera needs a human.
			l.setState(StateError)
			l.status("No camera found")
			return err
		case errors.Is(err, io.EOF):
			l.setState(StateError)
			l.status("Capture source closed")
			return err
		case err != nil:
			l.setState(StateError)
			l.status("Camera error: " + err.Error())
			if err := l.coolDown(ctx); err != nil {
				l.setState(StateIdle)
				return err
			}
			continue
		}

		// scanOnce has released the device on every path; the stream is
		// closed before the submission leaves.
		l.setState(StateSubmitting)
		l.status(fmt.Sprintf("Verifying %s...", code))

		receipt, err := l.submit.Submit(ctx, code)
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.setState(StateIdle)
			return ctxErr
		}
		if err != nil {
			l.setState(StateError)
			l.status("Network error: " + err.Error())
		} else {
			l.status(formatReceipt(receipt))
		}

		if err := l.coolDown(ctx); err != nil {
			l.setState(StateIdle)
			return err
		}
	}
}

var errReset = errors.New("scan: reset")

// scanOnce opens a device, decodes one payload and releases the device
// before returning, on every path.
func (l *Loop) scanOnce(ctx context.Context) (string, error) {
	l.setState(StateScanning)

	dev, err := l.source.Open(ctx)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	l.device = dev
	l.mu.Unlock()
	defer l.releaseDevice()

	code, err := dev.Decode(ctx)
	if err != nil {
		// A Reset closes the device mid-decode; report it as such rather
		// than as a camera fault.
		select {
		case <-l.resetCh:
			return "", errReset
		default:
		}
		return "", err
	}
	return code, nil
}

func (l *Loop) coolDown(ctx context.Context) error {
	l.setState(StateCooldown)
	timer := time.NewTimer(l.cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.resetCh:
		l.status("Scanner reset")
		return nil
	case <-timer.C:
		return nil
	}
}

func (l *Loop) releaseDevice() {
	l.mu.Lock()
	dev := l.device
	l.device = nil
	l.mu.Unlock()
	if dev != nil {
		_ = dev.Close()
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) status(msg string) {
	l.mu.Lock()
	l.lastStatus = msg
	l.mu.Unlock()
	l.onStatus(msg)
}

func formatReceipt(r Receipt) string {
	if r.OK() {
		at := ""
		if r.UsedAt != nil {
			at = r.UsedAt.Local().Format(time.RFC3339)
		}
		return fmt.Sprintf("Verified: %s at %s", r.SlipCode, at)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}
