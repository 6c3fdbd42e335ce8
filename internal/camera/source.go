// Package camera owns the capture device. A Source reads frames on its own
// goroutine and keeps only the newest one.
package camera

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MaxConsecutiveErrors is the number of failed reads in a row after which the
// device is considered lost.
const MaxConsecutiveErrors = 5

var (
	// ErrDeviceUnavailable is returned when the device cannot be opened.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrDeviceLost is reported when the device stops delivering frames.
	ErrDeviceLost = errors.New("camera device lost")
	// ErrSessionBusy is returned when another Source is already open.
	ErrSessionBusy = errors.New("camera session already open")
	// ErrClosed is returned by Snapshot after Stop.
	ErrClosed = errors.New("camera source closed")
)

// sessionOpen allows one open Source per process.
var sessionOpen atomic.Bool

// Frame is one captured image. Consumers must not modify Image.
type Frame struct {
	Image      image.Image
	Seq        uint64
	CapturedAt time.Time
}

// Device is a raw frame reader. Read blocks until a frame is available or the
// device gives up.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens the capture device with the given index and requested size.
type Opener func(index, width, height int) (Device, error)

// Source produces frames from a Device on a background goroutine.
type Source struct {
	dev        Device
	logger     *zap.Logger
	retryDelay time.Duration

	// devMu serializes access to the device between the producer loop and
	// Snapshot.
	devMu  sync.Mutex
	closed bool

	mu     sync.Mutex
	latest *Frame
	seq    uint64
	err    error

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// WithRetryDelay sets the pause after a failed read.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) { s.retryDelay = d }
}

// Open opens the device. Only one Source can be open at a time.
func Open(opener Opener, index, width, height int, opts ...Option) (*Source, error) {
	if !sessionOpen.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}

	dev, err := opener(index, width, height)
	if err != nil {
		sessionOpen.Store(false)
		return nil, fmt.Errorf("%w: device %d: %w", ErrDeviceUnavailable, index, err)
	}

	s := &Source{
		dev:        dev,
		logger:     zap.NewNop(),
		retryDelay: 20 * time.Millisecond,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.Int("device", index))
	return s, nil
}

// Start launches the producer loop. Calling it again, or after Stop, has no
// effect.
func (s *Source) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Source) run() {
	defer close(s.done)

	failures := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.devMu.Lock()
		img, err := s.dev.Read()
		s.devMu.Unlock()

		if err != nil {
			failures++
			s.logger.Debug("frame read failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= MaxConsecutiveErrors {
				s.setErr(fmt.Errorf("%w: %d consecutive read errors: %w", ErrDeviceLost, failures, err))
				s.logger.Error("camera lost", zap.Error(err))
				return
			}
			select {
			case <-s.stop:
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}

		failures = 0
		s.publish(img)
	}
}

func (s *Source) publish(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.latest = &Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Latest returns the newest frame without blocking.
func (s *Source) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Frame{}, false
	}
	return *s.latest, true
}

// Snapshot reads one frame synchronously, bypassing the mailbox.
func (s *Source) Snapshot() (Frame, error) {
	s.devMu.Lock()
	if s.closed {
		s.devMu.Unlock()
		return Frame{}, ErrClosed
	}
	img, err := s.dev.Read()
	s.devMu.Unlock()
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot failed: %w", err)
	}

	s.mu.Lock()
	s.seq++
	f := Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}
	s.mu.Unlock()
	return f, nil
}

// Done is closed when the producer loop has exited, after Stop or when the
// device was lost.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err returns ErrDeviceLost (wrapped) once the device was lost.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the producer loop, waits for it and releases the device. It is
// safe to call more than once and from any goroutine.
func (s *Source) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		// A source that was never started has no loop to wait for.
		s.startOnce.Do(func() { close(s.done) })
		<-s.done

		s.devMu.Lock()
		s.closed = true
		err = s.dev.Close()
		s.devMu.Unlock()

		sessionOpen.Store(false)
		s.logger.Debug("camera released")
	})
	return err
}
