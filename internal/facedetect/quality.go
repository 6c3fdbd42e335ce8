package facedetect

import "github.com/kozaktomas/rollcall/internal/imaging"

// Enrollment quality thresholds.
const (
	MinSharpness = 100.0
	MinMean      = 50.0
	MaxMean      = 200.0
	MinStdDev    = 30.0
)

// Rejection reasons reported by Quality.Reason.
const (
	RejectArea     = "area"
	RejectBlur     = "blur"
	RejectExposure = "exposure"
	RejectContrast = "contrast"
)

// Quality holds the measurements the enrollment gate decides on.
type Quality struct {
	Area      int
	Sharpness float64
	Mean      float64
	StdDev    float64
}

// Assess measures a detected face. Measurements are taken on the grayscale
// region before resizing and equalization.
func Assess(face *Face) Quality {
	mean, std := imaging.MeanStdDev(face.Source)
	return Quality{
		Area:      Area(face.Box),
		Sharpness: imaging.LaplacianVariance(face.Source),
		Mean:      mean,
		StdDev:    std,
	}
}

// Reason returns the first failed check, or an empty string when the face is
// good enough to be stored as an enrollment sample.
func (q Quality) Reason() string {
	switch {
	case q.Area < MinFaceArea:
		return RejectArea
	case q.Sharpness < MinSharpness:
		return RejectBlur
	case q.Mean < MinMean || q.Mean > MaxMean:
		return RejectExposure
	case q.StdDev < MinStdDev:
		return RejectContrast
	}
	return ""
}

// Accepted reports whether every check passed.
func (q Quality) Accepted() bool {
	return q.Reason() == ""
}
