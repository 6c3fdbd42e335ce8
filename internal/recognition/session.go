package recognition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/camera"
)

// State is the lifecycle state of a session.
type State string

// Session states.
const (
	StateIdle      State = "idle"
	StateWarmingUp State = "warming_up"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateFaulted   State = "faulted"
)

var (
	// ErrRecognitionDisabled is returned by Start when no model is loaded.
	ErrRecognitionDisabled = errors.New("recognition disabled: no trained model")
	// ErrAlreadyRunning is returned by Start while another session owns the camera.
	ErrAlreadyRunning = errors.New("recognition already running")
)

// Deps are the collaborators of a session.
type Deps struct {
	Opener    camera.Opener
	Finder    FaceFinder
	Predictor Predictor
	Gate      Gate
	// Events receives every session event. A private broadcaster is used
	// when nil.
	Events *Broadcaster
	Logger *zap.Logger
}

// Handle controls a running session.
type Handle struct {
	cfg      Config
	pipeline *Pipeline
	source   *camera.Source
	events   *Broadcaster
	logger   *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	state State
	err   error
}

// Start opens the camera and launches the pipeline worker. The returned
// handle is WarmingUp until the first frame arrives. ctx supplies values
// for store calls; its cancellation does not stop the session.
func Start(ctx context.Context, cfg Config, deps Deps) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Predictor == nil || !deps.Predictor.Ready() {
		return nil, ErrRecognitionDisabled
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewBroadcaster()
	}

	h := &Handle{
		cfg:      cfg,
		pipeline: NewPipeline(deps.Finder, deps.Predictor, deps.Gate, cfg.ConfidenceThreshold, logger),
		events:   events,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
	}

	deps.Gate.SetCooldown(cfg.Cooldown())
	h.setState(StateWarmingUp)

	src, err := camera.Open(deps.Opener, cfg.DeviceIndex, cfg.FrameWidth, cfg.FrameHeight, camera.WithLogger(logger))
	if err != nil {
		h.setState(StateIdle)
		if errors.Is(err, camera.ErrSessionBusy) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
		}
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}
	h.source = src
	src.Start()

	logger.Info("recognition started",
		zap.Int("device", cfg.DeviceIndex),
		zap.Int("threshold", cfg.ConfidenceThreshold),
		zap.Int("cooldown_seconds", cfg.CooldownSeconds))

	go h.run(context.WithoutCancel(ctx))
	return h, nil
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.TickInterval())
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-h.stop:
			h.finish(nil)
			return
		case <-h.source.Done():
			err := h.source.Err()
			if err == nil {
				err = camera.ErrDeviceLost
			}
			h.finish(err)
			return
		case <-ticker.C:
		}

		frame, ok := h.source.Latest()
		if !ok || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq
		h.transition(StateWarmingUp, StateRunning)

		events, err := h.pipeline.Process(ctx, frame)
		for _, ev := range events {
			h.events.Publish(ev)
		}
		if err != nil {
			h.finish(err)
			return
		}
	}
}

// finish releases the camera and settles the final state. A nil err is a
// requested stop.
func (h *Handle) finish(err error) {
	if stopErr := h.source.Stop(); stopErr != nil {
		h.logger.Warn("failed to release camera", zap.Error(stopErr))
	}
	if err == nil {
		h.setState(StateIdle)
		h.logger.Info("recognition stopped")
		return
	}

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()

	ev := Event{Type: EventFaulted, Error: err.Error(), At: time.Now()}
	if errors.Is(err, camera.ErrDeviceLost) {
		ev.Type = EventDeviceLost
	}
	h.events.Publish(ev)
	h.setState(StateFaulted)
	h.logger.Error("recognition faulted", zap.Error(err))
}

// Stop ends the session and waits until the camera is released. Calling it
// again, or on a faulted session, is a no-op.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		if !h.transition(StateRunning, StateStopping) {
			h.transition(StateWarmingUp, StateStopping)
		}
		close(h.stop)
	})
	<-h.done
}

// Reset moves a faulted session to Idle. It reports whether the state changed.
func (h *Handle) Reset() bool {
	return h.transition(StateFaulted, StateIdle)
}

// Subscribe registers a listener for session events.
func (h *Handle) Subscribe() (<-chan Event, func()) {
	return h.events.Subscribe()
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that faulted the session, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Config returns the configuration the session was started with.
func (h *Handle) Config() Config {
	return h.cfg
}

// Done is closed when the worker has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.events.Publish(Event{Type: EventState, State: s, At: time.Now()})
}

func (h *Handle) transition(from, to State) bool {
	h.mu.Lock()
	if h.state != from {
		h.mu.Unlock()
		return false
	}
	h.state = to
	h.mu.Unlock()
	h.events.Publish(Event{Type: EventState, State: to, At: time.Now()})
	return true
}
