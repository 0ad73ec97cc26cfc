// Package config loads the JSON deployment file: space layout, estimator
// tunables, store, source and screenshot settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/a8m/envsubst"
	"go.uber.org/multierr"

	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/internal/store"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Coordinate systems for configured space regions.
const (
	CoordinatesPixel      = "pixel"
	CoordinatesNormalized = "normalized"
)

// Epoch timing modes.
const (
	TimingWall  = "wall"
	TimingFrame = "frame"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreREST   = "rest"
)

// Space is one configured region, in the file's coordinate system.
type Space struct {
	ID   string  `json:"id"`
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// StoreConfig selects and configures the status store.
type StoreConfig struct {
	Driver  string `json:"driver,omitempty"`
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Table   string `json:"table,omitempty"`
	Timeout string `json:"timeout,omitempty"` // duration string like "5s"
}

// WritePolicyConfig tunes the asynchronous store writer.
type WritePolicyConfig struct {
	Mode        string `json:"mode,omitempty"` // "log" or "retry"
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

// SourceConfig selects and configures the detection source.
type SourceConfig struct {
	Kind string `json:"kind"`

	// jsonl
	Path       string `json:"path,omitempty"`
	Normalized bool   `json:"normalized,omitempty"`
	Realtime   bool   `json:"realtime,omitempty"`

	// roboflow
	Endpoint   string  `json:"endpoint,omitempty"`
	Model      string  `json:"model,omitempty"`
	Version    int     `json:"version,omitempty"`
	APIKey     string  `json:"api_key,omitempty"`
	Confidence int     `json:"confidence,omitempty"`
	Overlap    int     `json:"overlap,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	Loop       bool    `json:"loop,omitempty"`

	// shm
	SHMName string `json:"shm_name,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Poll    string `json:"poll,omitempty"`
}

// ScreenshotConfig controls the annotated screenshot recorder.
type ScreenshotConfig struct {
	Dir         string `json:"dir,omitempty"`
	EveryEpochs int    `json:"every_epochs,omitempty"`
}

// File is the root of the deployment file. Optional tunables are pointers
// so that omitted fields keep their defaults.
type File struct {
	Coordinates     string  `json:"coordinates,omitempty"`
	ReferenceWidth  int     `json:"reference_width,omitempty"`
	ReferenceHeight int     `json:"reference_height,omitempty"`
	Spaces          []Space `json:"spaces"`

	OverlapThreshold *float64 `json:"overlap_threshold,omitempty"`
	LowThreshold     *float64 `json:"low_threshold,omitempty"`
	HighThreshold    *float64 `json:"high_threshold,omitempty"`
	Epoch            *string  `json:"epoch,omitempty"` // duration string like "5s"
	ClassFilter      []string `json:"class_filter,omitempty"`
	MinConfidence    *float64 `json:"min_confidence,omitempty"`
	Assignment       string   `json:"assignment,omitempty"`
	Timing           string   `json:"timing,omitempty"`

	Store       StoreConfig       `json:"store"`
	WritePolicy WritePolicyConfig `json:"write_policy"`
	Source      SourceConfig      `json:"source"`
	Screenshots ScreenshotConfig  `json:"screenshots"`
}

// Load reads, env-substitutes and validates the file at path. The file
// must have a .json extension and be at most 1MB.
func Load(path string) (*File, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse substitutes ${VAR} references from the environment, decodes data
// and validates the result.
func Parse(data []byte) (*File, error) {
	expanded, err := envsubst.Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to substitute environment: %w", err)
	}

	f := &File{}
	if err := json.Unmarshal(expanded, f); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	f.applyDefaults()

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.Coordinates == "" {
		f.Coordinates = CoordinatesPixel
	}
	if f.Timing == "" {
		f.Timing = TimingWall
	}
	if f.Store.Driver == "" {
		f.Store.Driver = StoreMemory
	}
	if f.Store.Driver == StoreSQLite && f.Store.Path == "" {
		f.Store.Path = "parking.db"
	}
	if f.Screenshots.Dir == "" {
		f.Screenshots.Dir = "screenshots"
	}
}

// Validate reports every problem in the file.
func (f *File) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}
	duration := func(field, v string) {
		if v == "" {
			return
		}
		if d, err := time.ParseDuration(v); err != nil {
			add("invalid %s %q: %v", field, v, err)
		} else if d <= 0 {
			add("%s must be positive, got %s", field, v)
		}
	}

	switch f.Coordinates {
	case CoordinatesNormalized:
	case CoordinatesPixel:
		if f.ReferenceWidth <= 0 || f.ReferenceHeight <= 0 {
			add("pixel coordinates need a positive reference_width and reference_height, got %dx%d",
				f.ReferenceWidth, f.ReferenceHeight)
		}
	default:
		add("unknown coordinates %q", f.Coordinates)
	}

	switch f.Timing {
	case TimingWall, TimingFrame:
	default:
		add("unknown timing %q", f.Timing)
	}

	switch f.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StoreREST:
		if f.Store.URL == "" {
			add("rest store needs a url")
		}
	default:
		add("unknown store driver %q", f.Store.Driver)
	}
	duration("store.timeout", f.Store.Timeout)

	switch store.Policy(f.WritePolicy.Mode) {
	case "", store.PolicyLog, store.PolicyRetry:
	default:
		add("unknown write_policy.mode %q", f.WritePolicy.Mode)
	}
	if f.WritePolicy.MaxAttempts < 0 {
		add("write_policy.max_attempts must not be negative")
	}
	duration("write_policy.backoff", f.WritePolicy.Backoff)

	switch f.Source.Kind {
	case "jsonl":
		if f.Source.Path == "" {
			add("jsonl source needs a path")
		}
	case "roboflow":
		if f.Source.Model == "" || f.Source.Version <= 0 {
			add("roboflow source needs a model and a positive version")
		}
		if f.Source.Path == "" {
			add("roboflow source needs an image path or glob")
		}
	case "shm":
		duration("source.poll", f.Source.Poll)
	case "":
		add("source.kind is required")
	default:
		add("unknown source kind %q", f.Source.Kind)
	}

	if f.Screenshots.EveryEpochs < 0 {
		add("screenshots.every_epochs must not be negative")
	}

	if f.Epoch != nil {
		duration("epoch", *f.Epoch)
	}
	if errs != nil {
		return errs
	}

	if _, err := f.Occupancy(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Occupancy converts the file into estimator settings, normalizing pixel
// regions against the reference frame size.
func (f *File) Occupancy() (occupancy.Config, error) {
	cfg := occupancy.DefaultConfig()
	if f.OverlapThreshold != nil {
		cfg.OverlapThreshold = *f.OverlapThreshold
	}
	if f.LowThreshold != nil {
		cfg.LowThreshold = *f.LowThreshold
	}
	if f.HighThreshold != nil {
		cfg.HighThreshold = *f.HighThreshold
	}
	if f.MinConfidence != nil {
		cfg.MinConfidence = *f.MinConfidence
	}
	if f.Epoch != nil && *f.Epoch != "" {
		d, err := time.ParseDuration(*f.Epoch)
		if err != nil {
			return occupancy.Config{}, fmt.Errorf("invalid epoch %q: %w", *f.Epoch, err)
		}
		cfg.Epoch = d
	}
	if f.Assignment != "" {
		cfg.Assignment = occupancy.Assignment(f.Assignment)
	}
	cfg.ClassFilter = f.ClassFilter

	sx, sy := 1.0, 1.0
	if f.Coordinates == CoordinatesPixel {
		if f.ReferenceWidth <= 0 || f.ReferenceHeight <= 0 {
			return occupancy.Config{}, fmt.Errorf("%w: pixel coordinates without a reference size", occupancy.ErrInvalidConfig)
		}
		sx, sy = 1/float64(f.ReferenceWidth), 1/float64(f.ReferenceHeight)
	}
	for _, s := range f.Spaces {
		r := occupancy.Rect{XMin: s.XMin, YMin: s.YMin, XMax: s.XMax, YMax: s.YMax}
		cfg.Spaces = append(cfg.Spaces, occupancy.SpaceConfig{ID: s.ID, Region: r.Scale(sx, sy)})
	}

	if err := cfg.Validate(); err != nil {
		return occupancy.Config{}, err
	}
	return cfg, nil
}

// Writer converts the write policy into store writer settings.
func (f *File) Writer() store.WriterConfig {
	cfg := store.DefaultWriterConfig()
	if f.WritePolicy.Mode != "" {
		cfg.Policy = store.Policy(f.WritePolicy.Mode)
	}
	if f.WritePolicy.MaxAttempts > 0 {
		cfg.MaxAttempts = f.WritePolicy.MaxAttempts
	}
	if d, err := time.ParseDuration(f.WritePolicy.Backoff); err == nil && d > 0 {
		cfg.Backoff = d
	}
	if f.WritePolicy.QueueSize > 0 {
		cfg.QueueSize = f.WritePolicy.QueueSize
	}
	if d, err := time.ParseDuration(f.Store.Timeout); err == nil && d > 0 {
		cfg.Timeout = d
	}
	return cfg
}

// StoreTimeout is the per-request timeout for remote stores, or zero for
// the store default.
func (f *File) StoreTimeout() time.Duration {
	d, _ := time.ParseDuration(f.Store.Timeout)
	return d
}

// SourcePoll is the shared-memory poll interval, or zero for the default.
func (f *File) SourcePoll() time.Duration {
	d, _ := time.ParseDuration(f.Source.Poll)
	return d
}
