// Package recognition turns camera frames into attendance decisions. A
// session runs the pipeline on its own goroutine, separate from the camera
// producer, and publishes every outcome to subscribers.
package recognition

import (
	"context"
	"errors"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/camera"
	"github.com/kozaktomas/rollcall/internal/classifier"
	"github.com/kozaktomas/rollcall/internal/facedetect"
)

// FaceFinder returns every normalized face in a frame.
type FaceFinder interface {
	Faces(img image.Image) []facedetect.Face
}

// Predictor maps a normalized crop to the nearest enrolled person.
type Predictor interface {
	Predict(crop *image.Gray) (classifier.Prediction, error)
	Ready() bool
}

// Gate decides whether a candidate becomes an attendance record.
type Gate interface {
	Submit(ctx context.Context, c attendance.Candidate) attendance.Decision
	SetCooldown(d time.Duration)
}

// Pipeline runs detection, prediction and the confidence policy on single
// frames. It holds no per-frame state.
type Pipeline struct {
	finder    FaceFinder
	predictor Predictor
	gate      Gate
	threshold float64
	logger    *zap.Logger
}

// NewPipeline creates a pipeline accepting predictions with confidence at
// or above threshold.
func NewPipeline(finder FaceFinder, predictor Predictor, gate Gate, threshold int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		finder:    finder,
		predictor: predictor,
		gate:      gate,
		threshold: float64(threshold),
		logger:    logger,
	}
}

// Process handles one frame and returns the events it produced, one per
// detected face. A returned error means the classifier can no longer serve
// predictions and the session must stop.
func (p *Pipeline) Process(ctx context.Context, frame camera.Frame) ([]Event, error) {
	faces := p.finder.Faces(frame.Image)
	if len(faces) == 0 {
		return nil, nil
	}

	events := make([]Event, 0, len(faces))
	for _, face := range faces {
		pred, err := p.predictor.Predict(face.Crop)
		if err != nil {
			if errors.Is(err, classifier.ErrNoModel) || errors.Is(err, classifier.ErrModelCorrupt) {
				return events, err
			}
			p.logger.Warn("prediction failed", zap.Uint64("frame", frame.Seq), zap.Error(err))
			continue
		}

		confidence := pred.Confidence()
		if confidence < p.threshold {
			events = append(events, Event{
				Type:       EventUnknown,
				Confidence: confidence,
				FrameSeq:   frame.Seq,
				At:         frame.CapturedAt,
			})
			continue
		}

		d := p.gate.Submit(ctx, attendance.Candidate{
			PersonID:   pred.PersonID,
			Confidence: confidence,
			DetectedAt: frame.CapturedAt,
		})
		ev := Event{
			PersonID:   pred.PersonID,
			Confidence: confidence,
			FrameSeq:   frame.Seq,
			At:         frame.CapturedAt,
		}
		if d.Accepted {
			ev.Type = EventAccepted
			ev.Record = d.Record
			p.logger.Info("attendance accepted",
				zap.String("person_id", pred.PersonID),
				zap.Float64("confidence", confidence))
		} else {
			ev.Type = EventDropped
			ev.Reason = d.Reason
			p.logger.Debug("candidate dropped",
				zap.String("person_id", pred.PersonID),
				zap.String("reason", d.Reason))
		}
		events = append(events, ev)
	}
	return events, nil
}
