package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/time/rate"

	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// RoboflowConfig configures the hosted inference client.
type RoboflowConfig struct {
	Endpoint string // e.g. https://detect.roboflow.com
	Model    string
	Version  int
	APIKey   string
	// Confidence and Overlap are percentages, as the hosted API expects.
	Confidence int
	Overlap    int
	// Images is a file path or glob; matches are processed in sorted order.
	Images string
	// Loop restarts from the first image after the last one.
	Loop bool
	// Rate caps requests per second. Zero means unlimited.
	Rate    float64
	Timeout time.Duration
	Clock   clock.Clock
}

// DefaultRoboflowConfig matches the thresholds the parking model was tuned
// with.
func DefaultRoboflowConfig() RoboflowConfig {
	return RoboflowConfig{
		Endpoint:   "https://detect.roboflow.com",
		Confidence: 40,
		Overlap:    30,
		Rate:       2,
		Timeout:    15 * time.Second,
	}
}

// Roboflow runs still images through a hosted object detection model.
type Roboflow struct {
	cfg     RoboflowConfig
	client  *http.Client
	limiter *rate.Limiter
	files   []string
	next    int
	number  uint64
}

// NewRoboflow expands cfg.Images and prepares the client.
func NewRoboflow(cfg RoboflowConfig) (*Roboflow, error) {
	if cfg.Endpoint == "" || cfg.Model == "" {
		return nil, fmt.Errorf("roboflow: endpoint and model are required")
	}
	if cfg.Version <= 0 {
		return nil, fmt.Errorf("roboflow: model version must be positive, got %d", cfg.Version)
	}
	files, err := filepath.Glob(cfg.Images)
	if err != nil {
		return nil, fmt.Errorf("roboflow: bad image pattern %q: %w", cfg.Images, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("roboflow: no images match %q", cfg.Images)
	}
	sort.Strings(files)

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRoboflowConfig().Timeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}

	logger.Info("Source", "Roboflow model %s/%d over %d image(s)", cfg.Model, cfg.Version, len(files))
	return &Roboflow{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		files:   files,
	}, nil
}

func (s *Roboflow) inferURL() string {
	q := url.Values{}
	q.Set("api_key", s.cfg.APIKey)
	q.Set("confidence", strconv.Itoa(s.cfg.Confidence))
	q.Set("overlap", strconv.Itoa(s.cfg.Overlap))
	q.Set("format", "json")
	return fmt.Sprintf("%s/%s/%d?%s",
		strings.TrimRight(s.cfg.Endpoint, "/"), url.PathEscape(s.cfg.Model), s.cfg.Version, q.Encode())
}

func (s *Roboflow) Next(ctx context.Context) (types.Frame, error) {
	if s.next >= len(s.files) {
		if !s.cfg.Loop {
			return types.Frame{}, io.EOF
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++

	if err := s.limiter.Wait(ctx); err != nil {
		return types.Frame{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, fmt.Errorf("read image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode image %s: %w", path, err)
	}

	rec, err := s.infer(ctx, raw)
	if err != nil {
		return types.Frame{}, fmt.Errorf("infer %s: %w", path, err)
	}

	s.number++
	f := types.Frame{
		Number:     s.number,
		Timestamp:  s.cfg.Clock.Now(),
		Width:      rec.Image.Width,
		Height:     rec.Image.Height,
		Detections: rec.Predictions,
		Image:      img,
	}
	if f.Width <= 0 || f.Height <= 0 {
		b := img.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	logger.Debug("Source", "%s: %d prediction(s)", filepath.Base(path), len(f.Detections))
	return f, nil
}

func (s *Roboflow) infer(ctx context.Context, raw []byte) (*inferenceRecord, error) {
	body := base64.StdEncoding.EncodeToString(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.inferURL(), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var rec inferenceRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rec, nil
}

func (s *Roboflow) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
