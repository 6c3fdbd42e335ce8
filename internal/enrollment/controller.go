// Package enrollment captures face samples for a person and folds them into
// the classifier.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/facedetect"
	"github.com/kozaktomas/rollcall/internal/persons"
	"github.com/kozaktomas/rollcall/internal/samples"
)

var (
	// ErrNotEnoughSamples is returned when too few frames passed the quality
	// gate. Nothing is persisted.
	ErrNotEnoughSamples = errors.New("not enough valid samples")
	// ErrCancelled is returned when the context ends before the target is
	// reached. Nothing is persisted.
	ErrCancelled = errors.New("enrollment cancelled")
	// ErrInvalidTarget is returned for a target outside
	// MinRequiredSamples..MaxTargetSamples.
	ErrInvalidTarget = errors.New("invalid target sample count")
)

// RejectNoFace is the progress reason for frames without a usable face.
const RejectNoFace = "no_face"

// FrameProducer yields single frames on demand.
type FrameProducer interface {
	Snapshot() (camera.Frame, error)
}

// FaceExtractor picks the best face of a frame.
type FaceExtractor interface {
	ExtractBest(img image.Image) (*facedetect.Face, bool)
}

// SampleStore persists accepted crops.
type SampleStore interface {
	Put(personID, displayName string, crop *image.Gray) (string, error)
	Remove(paths ...string) error
}

// ModelUpdater extends the classifier with new samples and persists it.
type ModelUpdater interface {
	IncrementalAdd(personID string, crops []*image.Gray) error
}

// PersonRegistry records enrollments.
type PersonRegistry interface {
	Enrolled(personID, displayName string, samples int) (persons.Person, error)
}

// Progress is reported after every capture attempt.
type Progress struct {
	PersonID  string `json:"person_id"`
	Collected int    `json:"collected"`
	Target    int    `json:"target"`
	Attempts  int    `json:"attempts"`
	// Rejected names the failed check for the last attempt, empty when the
	// sample was accepted.
	Rejected string `json:"rejected,omitempty"`
}

// Result describes a successful enrollment.
type Result struct {
	PersonID       string `json:"person_id"`
	SamplesWritten int    `json:"samples_written"`
}

// Controller runs enrollments. Capture is synchronous and not meant to run
// concurrently with itself.
type Controller struct {
	producer FrameProducer
	faces    FaceExtractor
	samples  SampleStore
	model    ModelUpdater
	registry PersonRegistry
	logger   *zap.Logger

	gap         time.Duration
	maxAttempts int
}

// Option configures a Controller.
type Option func(*Controller)

// WithGap sets the pause after each accepted sample.
func WithGap(d time.Duration) Option {
	return func(c *Controller) { c.gap = d }
}

// WithMaxAttempts bounds the number of frames tried per enrollment. Zero
// means unbounded.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) { c.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// NewController wires a controller.
func NewController(producer FrameProducer, faces FaceExtractor, store SampleStore, model ModelUpdater, registry PersonRegistry, opts ...Option) *Controller {
	c := &Controller{
		producer: producer,
		faces:    faces,
		samples:  store,
		model:    model,
		registry: registry,
		logger:   zap.NewNop(),
		gap:      constants.DefaultInterSampleGap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Required returns the minimum number of samples for target: max(3, target/2).
func Required(target int) int {
	return max(constants.MinRequiredSamples, target/2)
}

// Capture collects up to target quality-checked samples and persists them.
// Cancellation returns within one inter-sample gap. onProgress may be nil.
func (c *Controller) Capture(ctx context.Context, personID, displayName string, target int, onProgress func(Progress)) (Result, error) {
	if err := samples.ValidatePersonID(personID); err != nil {
		return Result{}, err
	}
	if target < constants.MinRequiredSamples || target > constants.MaxTargetSamples {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	logger := c.logger.With(zap.String("person_id", personID))
	logger.Info("enrollment started", zap.Int("target", target))

	var collected []*image.Gray
	attempts := 0
	for len(collected) < target {
		if ctx.Err() != nil {
			logger.Info("enrollment cancelled", zap.Int("collected", len(collected)))
			return Result{}, ErrCancelled
		}
		if c.maxAttempts > 0 && attempts >= c.maxAttempts {
			break
		}
		attempts++

		p := Progress{PersonID: personID, Target: target, Attempts: attempts}
		crop, reason, err := c.next()
		if err != nil {
			if errors.Is(err, camera.ErrClosed) {
				return Result{}, err
			}
			logger.Debug("snapshot failed", zap.Error(err))
		}
		if crop == nil {
			p.Collected = len(collected)
			p.Rejected = reason
			report(p)
			continue
		}

		collected = append(collected, crop)
		p.Collected = len(collected)
		report(p)

		if len(collected) < target && c.gap > 0 {
			select {
			case <-ctx.Done():
				logger.Info("enrollment cancelled", zap.Int("collected", len(collected)))
				return Result{}, ErrCancelled
			case <-time.After(c.gap):
			}
		}
	}

	if required := Required(target); len(collected) < required {
		logger.Warn("enrollment failed",
			zap.Int("collected", len(collected)),
			zap.Int("required", required),
			zap.Int("attempts", attempts))
		return Result{}, fmt.Errorf("%w: %d of %d required", ErrNotEnoughSamples, len(collected), required)
	}

	if err := c.persist(personID, displayName, collected); err != nil {
		return Result{}, err
	}
	logger.Info("enrollment completed", zap.Int("samples", len(collected)), zap.Int("attempts", attempts))
	return Result{PersonID: personID, SamplesWritten: len(collected)}, nil
}

// next captures one frame and returns its normalized crop, or the reason it
// was rejected.
func (c *Controller) next() (*image.Gray, string, error) {
	frame, err := c.producer.Snapshot()
	if err != nil {
		return nil, RejectNoFace, err
	}
	face, ok := c.faces.ExtractBest(frame.Image)
	if !ok {
		return nil, RejectNoFace, nil
	}
	if reason := facedetect.Assess(face).Reason(); reason != "" {
		return nil, reason, nil
	}
	return face.Crop, "", nil
}

// persist writes the samples, extends the model and records the person.
// Written files are removed again when the model update fails.
func (c *Controller) persist(personID, displayName string, crops []*image.Gray) error {
	paths := make([]string, 0, len(crops))
	rollback := func() {
		if err := c.samples.Remove(paths...); err != nil {
			c.logger.Error("failed to roll back samples", zap.String("person_id", personID), zap.Error(err))
		}
	}

	for _, crop := range crops {
		path, err := c.samples.Put(personID, displayName, crop)
		if err != nil {
			rollback()
			return fmt.Errorf("failed to store sample: %w", err)
		}
		paths = append(paths, path)
	}

	if err := c.model.IncrementalAdd(personID, crops); err != nil {
		rollback()
		return fmt.Errorf("failed to update classifier: %w", err)
	}

	// The model and the sample files agree at this point; a registry failure
	// leaves them in place.
	if _, err := c.registry.Enrolled(personID, displayName, len(crops)); err != nil {
		return fmt.Errorf("failed to record enrollment: %w", err)
	}
	return nil
}
