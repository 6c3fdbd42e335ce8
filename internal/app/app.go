// Package app wires the attendance components together. Every command and
// the HTTP server go through an App; nothing is reached through globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/attendance/sqlstore"
	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/classifier"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/enrollment"
	"github.com/kozaktomas/rollcall/internal/facedetect"
	"github.com/kozaktomas/rollcall/internal/persons"
	"github.com/kozaktomas/rollcall/internal/recognition"
	"github.com/kozaktomas/rollcall/internal/samples"
)

// ErrInvalidDate is returned for attendance dates not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("invalid date")

// FaceFinder serves both the recognition and the enrollment path.
type FaceFinder interface {
	recognition.FaceFinder
	enrollment.FaceExtractor
}

// Status is a point-in-time view of the system.
type Status struct {
	State      recognition.State `json:"state"`
	ModelReady bool              `json:"model_ready"`
	ModelError string            `json:"model_error,omitempty"`
	Persons    int               `json:"persons"`
	Labels     int               `json:"labels"`
	Today      string            `json:"today"`
	Cooldown   int               `json:"cooldown_seconds"`
}

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	samples    *samples.Store
	classifier *classifier.Classifier
	registry   *persons.Registry
	store      attendance.Store
	gate       *attendance.Gate
	events     *recognition.Broadcaster
	opener     camera.Opener

	finderOnce sync.Once
	finder     FaceFinder
	finderErr  error
	closer     io.Closer

	mu         sync.Mutex
	session    *recognition.Handle
	modelError error
}

// Option overrides a component, mostly for tests.
type Option func(*App)

// WithOpener sets the camera opener instead of the configured backend.
func WithOpener(opener camera.Opener) Option {
	return func(a *App) { a.opener = opener }
}

// WithFaceFinder sets the face finder instead of the configured cascade.
func WithFaceFinder(finder FaceFinder) Option {
	return func(a *App) { a.finder = finder }
}

// WithStore sets the attendance store instead of the configured backend.
func WithStore(store attendance.Store) Option {
	return func(a *App) { a.store = store }
}

// WithClock sets the clock of the attendance gate.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New opens every store under the data directory and loads the classifier.
// A corrupt model is not an error: recognition stays disabled until the
// next retrain and Status reports why.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		events: recognition.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(a)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a.samples, err = samples.NewStore(cfg.FacesDir(), logger)
	if err != nil {
		return nil, err
	}
	a.registry, err = persons.Open(cfg.PersonsPath())
	if err != nil {
		return nil, err
	}

	a.classifier, err = classifier.New(cfg.ModelDir(), classifier.Options{IndexThreshold: cfg.Classifier.IndexThreshold}, logger)
	if err != nil {
		return nil, err
	}
	switch err := a.classifier.Load(cfg.ModelDir()); {
	case err == nil:
	case errors.Is(err, classifier.ErrNoModel):
		logger.Info("no classifier model yet, enroll persons and retrain")
	case errors.Is(err, classifier.ErrModelCorrupt):
		a.modelError = err
	default:
		return nil, err
	}

	if a.store == nil {
		a.store, err = openStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	a.gate = attendance.NewGate(a.store, time.Duration(cfg.Recognition.CooldownSeconds)*time.Second, logger,
		attendance.WithLocation(loc), attendance.WithClock(a.now))

	if a.opener == nil {
		switch cfg.Camera.Backend {
		case config.BackendV4L2:
			a.opener = camera.OpenV4L2
		default:
			a.opener = camera.OpenGoCV
		}
	}
	return a, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (attendance.Store, error) {
	if cfg.Attendance.Store == config.StoreSQLite {
		return sqlstore.Open(cfg.AttendancePath())
	}
	return attendance.OpenJSONL(cfg.AttendancePath(), logger)
}

// faceFinder loads the cascade on first use so commands that never touch
// the camera do not need OpenCV data files.
func (a *App) faceFinder() (FaceFinder, error) {
	a.finderOnce.Do(func() {
		if a.finder != nil {
			return
		}
		d := a.cfg.Detector
		cascade, err := facedetect.NewCascade(d.CascadePath, facedetect.Params{
			ScaleFactor:  d.ScaleFactor,
			MinNeighbors: d.MinNeighbors,
			MinSize:      d.MinSize,
		})
		if err != nil {
			a.finderErr = err
			return
		}
		a.closer = cascade
		a.finder = facedetect.NewFinder(cascade, d.FaceSize)
	})
	return a.finder, a.finderErr
}

// RecognitionConfig returns the session configuration from the app config.
func (a *App) RecognitionConfig() recognition.Config {
	return recognition.Config{
		DeviceIndex:         a.cfg.Camera.Device,
		ConfidenceThreshold: a.cfg.Recognition.ConfidenceThreshold,
		CooldownSeconds:     a.cfg.Recognition.CooldownSeconds,
		TickIntervalMS:      a.cfg.Recognition.TickIntervalMS,
		FrameWidth:          a.cfg.Camera.Width,
		FrameHeight:         a.cfg.Camera.Height,
	}
}

// StartRecognition starts a session. Only one session runs at a time; a
// finished or faulted session is replaced.
func (a *App) StartRecognition(ctx context.Context, cfg recognition.Config) (*recognition.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		select {
		case <-a.session.Done():
		default:
			return nil, recognition.ErrAlreadyRunning
		}
	}

	if !a.classifier.Ready() {
		return nil, recognition.ErrRecognitionDisabled
	}
	finder, err := a.faceFinder()
	if err != nil {
		return nil, err
	}
	h, err := recognition.Start(ctx, cfg, recognition.Deps{
		Opener:    a.opener,
		Finder:    finder,
		Predictor: a.classifier,
		Gate:      a.gate,
		Events:    a.events,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.session = h
	return h, nil
}

// StopRecognition stops the current session. Without one it does nothing.
func (a *App) StopRecognition() {
	a.mu.Lock()
	h := a.session
	a.mu.Unlock()
	if h == nil {
		return
	}
	h.Stop()
	h.Reset()
}

// Session returns the current session handle, or nil.
func (a *App) Session() *recognition.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Subscribe registers a listener for events of every session.
func (a *App) Subscribe() (<-chan recognition.Event, func()) {
	return a.events.Subscribe()
}

// Enroll captures samples for a person through the camera and folds them
// into the classifier. It fails with camera.ErrSessionBusy while a
// recognition session holds the camera.
func (a *App) Enroll(ctx context.Context, personID, displayName string, target int, onProgress func(enrollment.Progress)) (enrollment.Result, error) {
	if err := samples.ValidatePersonID(personID); err != nil {
		return enrollment.Result{}, err
	}
	finder, err := a.faceFinder()
	if err != nil {
		return enrollment.Result{}, err
	}
	src, err := camera.Open(a.opener, a.cfg.Camera.Device, a.cfg.Camera.Width, a.cfg.Camera.Height, camera.WithLogger(a.logger))
	if err != nil {
		return enrollment.Result{}, err
	}
	defer src.Stop()

	ctrl := enrollment.NewController(src, finder, a.samples, a.classifier, a.registry,
		enrollment.WithGap(a.cfg.EnrollmentGap()),
		enrollment.WithMaxAttempts(a.cfg.Enrollment.MaxAttempts),
		enrollment.WithLogger(a.logger))
	wasReady := a.classifier.Ready()
	res, err := ctrl.Capture(ctx, personID, displayName, target, onProgress)
	if err != nil {
		return res, err
	}
	if !wasReady {
		// The incremental add started an empty model; fold in everyone else
		// whose samples are still on disk.
		entries, err := a.samples.EnumerateAll()
		if err != nil {
			return res, err
		}
		if _, err := a.classifier.Rebuild(entries); err != nil {
			return res, fmt.Errorf("failed to rebuild classifier: %w", err)
		}
	}
	a.clearModelError()
	return res, nil
}

// Retrain rebuilds the classifier from every stored sample and resyncs the
// registry sample counts.
func (a *App) Retrain() (classifier.TrainResult, error) {
	entries, err := a.samples.EnumerateAll()
	if err != nil {
		return classifier.TrainResult{}, err
	}
	res, err := a.classifier.Train(entries)
	if err != nil {
		return res, err
	}
	a.clearModelError()

	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.PersonID]++
	}
	for _, p := range a.registry.List() {
		if p.SampleCount == counts[p.PersonID] {
			continue
		}
		if err := a.registry.SetSampleCount(p.PersonID, counts[p.PersonID]); err != nil {
			a.logger.Warn("failed to sync sample count", zap.String("person_id", p.PersonID), zap.Error(err))
		}
	}
	return res, nil
}

// MarkManual records an enrolled person as present.
func (a *App) MarkManual(ctx context.Context, personID string) (attendance.Decision, error) {
	if _, err := a.registry.Get(personID); err != nil {
		return attendance.Decision{}, err
	}
	d, err := a.gate.MarkManual(ctx, personID)
	if err != nil {
		return d, err
	}
	ev := recognition.Event{PersonID: personID, Confidence: 100, At: a.now()}
	if d.Accepted {
		ev.Type = recognition.EventAccepted
		ev.Record = d.Record
	} else {
		ev.Type = recognition.EventDropped
		ev.Reason = d.Reason
	}
	a.events.Publish(ev)
	return d, nil
}

// DeletePerson removes a person with all samples and rebuilds the
// classifier without them. It returns the number of removed samples.
func (a *App) DeletePerson(personID string) (int, error) {
	if _, err := a.registry.Get(personID); err != nil {
		return 0, err
	}
	removed, err := a.samples.Delete(personID)
	if err != nil {
		return removed, err
	}
	if err := a.registry.Delete(personID); err != nil {
		return removed, err
	}

	entries, err := a.samples.EnumerateAll()
	if err != nil {
		return removed, err
	}
	if _, err := a.classifier.Rebuild(entries); err != nil {
		return removed, fmt.Errorf("failed to rebuild classifier: %w", err)
	}
	a.clearModelError()
	return removed, nil
}

// Persons lists enrolled persons.
func (a *App) Persons() []persons.Person {
	return a.registry.List()
}

// Attendance lists the records of one local date; an empty date is today.
func (a *App) Attendance(ctx context.Context, date string) ([]attendance.Record, error) {
	if date == "" {
		date = a.gate.Today()
	}
	if _, err := time.Parse(attendance.DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return a.store.ListByDate(ctx, date)
}

// Prune drops stale entries from the recognition cache.
func (a *App) Prune() int {
	n := a.gate.Prune(a.now())
	a.logger.Debug("recognition cache pruned", zap.Int("removed", n))
	return n
}

// Status reports the session state and model health.
func (a *App) Status() Status {
	a.mu.Lock()
	state := recognition.StateIdle
	if a.session != nil {
		state = a.session.State()
	}
	modelErr := a.modelError
	a.mu.Unlock()

	s := Status{
		State:      state,
		ModelReady: a.classifier.Ready(),
		Persons:    len(a.registry.List()),
		Labels:     len(a.classifier.Labels()),
		Today:      a.gate.Today(),
		Cooldown:   int(a.gate.Cooldown() / time.Second),
	}
	if modelErr != nil {
		s.ModelError = modelErr.Error()
	}
	return s
}

func (a *App) clearModelError() {
	a.mu.Lock()
	a.modelError = nil
	a.mu.Unlock()
}

// Close stops recognition and releases the stores.
func (a *App) Close() error {
	a.StopRecognition()
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
