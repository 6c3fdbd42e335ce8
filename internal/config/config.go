package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Attendance store backends.
const (
	StoreJSONL  = "jsonl"
	StoreSQLite = "sqlite"
)

// Camera backends.
const (
	BackendGoCV = "gocv"
	BackendV4L2 = "v4l2"
)

type Config struct {
	DataDir     string            `yaml:"data_dir" validate:"required"`
	LogMode     string            `yaml:"log_mode" validate:"omitempty,oneof=dev prod"`
	Timezone    string            `yaml:"timezone"`
	Camera      CameraConfig      `yaml:"camera"`
	Detector    DetectorConfig    `yaml:"detector"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Attendance  AttendanceConfig  `yaml:"attendance"`
	Server      ServerConfig      `yaml:"server"`
}

type CameraConfig struct {
	Backend string `yaml:"backend" validate:"oneof=gocv v4l2"`
	Device  int    `yaml:"device" validate:"gte=0"`
	Width   int    `yaml:"width" validate:"gte=0"`
	Height  int    `yaml:"height" validate:"gte=0"`
}

type DetectorConfig struct {
	CascadePath  string  `yaml:"cascade_path"`
	ScaleFactor  float64 `yaml:"scale_factor" validate:"gte=1.1,lte=1.4"`
	MinNeighbors int     `yaml:"min_neighbors" validate:"gte=3,lte=6"`
	MinSize      int     `yaml:"min_size" validate:"gte=30"`
	FaceSize     int     `yaml:"face_size" validate:"oneof=150 200"`
}

type RecognitionConfig struct {
	ConfidenceThreshold int `yaml:"confidence_threshold" validate:"gte=50,lte=95"`
	CooldownSeconds     int `yaml:"cooldown_seconds" validate:"gte=1,lte=300"`
	TickIntervalMS      int `yaml:"tick_interval_ms" validate:"gte=30,lte=200"`
}

type EnrollmentConfig struct {
	TargetSamples int `yaml:"target_samples" validate:"gte=3,lte=50"`
	GapMS         int `yaml:"gap_ms" validate:"gte=0"`
	MaxAttempts   int `yaml:"max_attempts" validate:"gte=0"`
}

type ClassifierConfig struct {
	// IndexThreshold enables the HNSW candidate index for models with at
	// least that many samples. Zero keeps search exact.
	IndexThreshold int `yaml:"index_threshold" validate:"gte=0"`
}

type AttendanceConfig struct {
	Store string `yaml:"store" validate:"oneof=jsonl sqlite"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr" validate:"required"`
	PruneSchedule  string `yaml:"prune_schedule" validate:"required"`
	AllowedOrigins string `yaml:"allowed_origins"` // comma-separated CORS origins
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		LogMode: "dev",
		Camera: CameraConfig{
			Backend: BackendGoCV,
			Width:   640,
			Height:  480,
		},
		Detector: DetectorConfig{
			CascadePath:  "haarcascade_frontalface_default.xml",
			ScaleFactor:  1.2,
			MinNeighbors: 5,
			MinSize:      30,
			FaceSize:     150,
		},
		Recognition: RecognitionConfig{
			ConfidenceThreshold: 70,
			CooldownSeconds:     10,
			TickIntervalMS:      100,
		},
		Enrollment: EnrollmentConfig{
			TargetSamples: 5,
			GapMS:         500,
			MaxAttempts:   100,
		},
		Attendance: AttendanceConfig{Store: StoreJSONL},
		Server: ServerConfig{
			Addr:          ":8085",
			PruneSchedule: "5 0 * * *",
		},
	}
}

// envReader reads typed ROLLCALL_* overrides and remembers every value that
// does not parse. Range checks are left to Validate, so zero is a valid
// override.
type envReader struct {
	errs []error
}

// Int returns the variable parsed as an integer, or defaultVal when unset.
func (e *envReader) Int(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, s))
		return defaultVal
	}
	return n
}

// Float returns the variable parsed as a float, or defaultVal when unset.
func (e *envReader) Float(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, s))
		return defaultVal
	}
	return f
}

func (e *envReader) Err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load assembles the configuration from defaults, the YAML file and
// ROLLCALL_* environment variables, in that order, and validates it.
// The file is ROLLCALL_CONFIG when set (and then required), otherwise the
// optional config.yaml inside the data directory.
func Load() (*Config, error) {
	cfg := Default()
	cfg.DataDir = envString("ROLLCALL_DATA_DIR", cfg.DataDir)

	path, required := os.Getenv("ROLLCALL_CONFIG"), true
	if path == "" {
		path, required = filepath.Join(cfg.DataDir, "config.yaml"), false
	}
	if err := cfg.loadFile(path, required); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var env envReader
	c.DataDir = envString("ROLLCALL_DATA_DIR", c.DataDir)
	c.LogMode = envString("ROLLCALL_LOG_MODE", c.LogMode)
	c.Timezone = envString("ROLLCALL_TIMEZONE", c.Timezone)

	c.Camera.Backend = envString("ROLLCALL_CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.Device = env.Int("ROLLCALL_CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Width = env.Int("ROLLCALL_CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = env.Int("ROLLCALL_CAMERA_HEIGHT", c.Camera.Height)

	c.Detector.CascadePath = envString("ROLLCALL_CASCADE_PATH", c.Detector.CascadePath)
	c.Detector.ScaleFactor = env.Float("ROLLCALL_SCALE_FACTOR", c.Detector.ScaleFactor)
	c.Detector.MinNeighbors = env.Int("ROLLCALL_MIN_NEIGHBORS", c.Detector.MinNeighbors)
	c.Detector.MinSize = env.Int("ROLLCALL_MIN_SIZE", c.Detector.MinSize)
	c.Detector.FaceSize = env.Int("ROLLCALL_FACE_SIZE", c.Detector.FaceSize)

	c.Recognition.ConfidenceThreshold = env.Int("ROLLCALL_CONFIDENCE_THRESHOLD", c.Recognition.ConfidenceThreshold)
	c.Recognition.CooldownSeconds = env.Int("ROLLCALL_COOLDOWN_SECONDS", c.Recognition.CooldownSeconds)
	c.Recognition.TickIntervalMS = env.Int("ROLLCALL_TICK_INTERVAL_MS", c.Recognition.TickIntervalMS)

	c.Enrollment.TargetSamples = env.Int("ROLLCALL_TARGET_SAMPLES", c.Enrollment.TargetSamples)
	c.Enrollment.GapMS = env.Int("ROLLCALL_ENROLL_GAP_MS", c.Enrollment.GapMS)
	c.Enrollment.MaxAttempts = env.Int("ROLLCALL_ENROLL_MAX_ATTEMPTS", c.Enrollment.MaxAttempts)

	c.Classifier.IndexThreshold = env.Int("ROLLCALL_INDEX_THRESHOLD", c.Classifier.IndexThreshold)

	c.Attendance.Store = envString("ROLLCALL_ATTENDANCE_STORE", c.Attendance.Store)

	c.Server.Addr = envString("ROLLCALL_ADDR", c.Server.Addr)
	c.Server.PruneSchedule = envString("ROLLCALL_PRUNE_SCHEDULE", c.Server.PruneSchedule)
	c.Server.AllowedOrigins = envString("ROLLCALL_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	return env.Err()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks value ranges and the timezone.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the zone that defines attendance dates. An empty
// timezone is the host's local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// FacesDir is the sample directory.
func (c *Config) FacesDir() string {
	return filepath.Join(c.DataDir, "faces")
}

// ModelDir holds the classifier blob and label table.
func (c *Config) ModelDir() string {
	return filepath.Join(c.DataDir, "model")
}

// AttendancePath is the attendance log or database, depending on the store.
func (c *Config) AttendancePath() string {
	if c.Attendance.Store == StoreSQLite {
		return filepath.Join(c.DataDir, "attendance.db")
	}
	return filepath.Join(c.DataDir, "attendance.jsonl")
}

// PersonsPath is the person registry file.
func (c *Config) PersonsPath() string {
	return filepath.Join(c.DataDir, "persons.json")
}

// EnrollmentGap returns the pause between enrollment samples.
func (c *Config) EnrollmentGap() time.Duration {
	return time.Duration(c.Enrollment.GapMS) * time.Millisecond
}
