package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hau2park/parking-monitor/internal/annotate"
	"github.com/hau2park/parking-monitor/internal/config"
	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// spaceResult mirrors one configured space, annotated with the detection
// whose center fell inside it.
type spaceResult struct {
	ID         string   `json:"id"`
	XMin       float64  `json:"x_min"`
	XMax       float64  `json:"x_max"`
	YMin       float64  `json:"y_min"`
	YMax       float64  `json:"y_max"`
	Status     string   `json:"status,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Occupied   bool     `json:"occupied"`
}

func main() {
	var (
		configPath string
		outPath    string
		imagePath  string
		timeout    time.Duration
		logLevel   string
		logColor   bool
	)
	flag.StringVar(&configPath, "config", "parking.json", "Parking configuration file (.json)")
	flag.StringVar(&outPath, "out", "parking_spaces.json", "Output JSON path (- for stdout)")
	flag.StringVar(&imagePath, "image", "", "Also write an annotated JPEG here")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Time to wait for the first frame")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	src, err := cfg.OpenSource()
	if err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	frame, err := src.Next(ctx)
	if err != nil {
		log.Fatalf("Failed to read first frame: %v", err)
	}

	results, spaces, hits, err := snapshot(cfg, frame)
	if err != nil {
		log.Fatalf("Snapshot failed: %v", err)
	}

	data, err := json.MarshalIndent(results, "", "    ")
	if err != nil {
		log.Fatalf("Failed to encode results: %v", err)
	}
	if outPath == "-" {
		fmt.Println(string(data))
	} else {
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			log.Fatalf("Failed to write %s: %v", outPath, err)
		}
		logger.Info("Snapshot", "Wrote %d spaces to %s", len(results), outPath)
	}

	if imagePath != "" {
		jpg, err := annotate.JPEG(frame, spaces, hits, annotate.DefaultOptions())
		if err != nil {
			log.Fatalf("Failed to render %s: %v", imagePath, err)
		}
		if err := os.WriteFile(imagePath, jpg, 0o644); err != nil {
			log.Fatalf("Failed to write %s: %v", imagePath, err)
		}
		logger.Info("Snapshot", "Wrote annotated frame to %s", imagePath)
	}
}

// snapshot runs one frame through center assignment. Each detection is
// credited to the first space, in config order, that contains its center.
func snapshot(cfg *config.File, frame types.Frame) ([]spaceResult, []occupancy.Space, []string, error) {
	occCfg, err := cfg.Occupancy()
	if err != nil {
		return nil, nil, nil, err
	}
	occCfg.Assignment = occupancy.AssignCenter

	est, err := occupancy.NewEstimator(occCfg, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	hits, err := est.Observe(frame)
	if err != nil {
		return nil, nil, nil, err
	}
	hit := make(map[string]bool, len(hits))
	for _, id := range hits {
		hit[id] = true
	}

	results := make([]spaceResult, len(cfg.Spaces))
	for i, s := range cfg.Spaces {
		results[i] = spaceResult{
			ID: s.ID, XMin: s.XMin, XMax: s.XMax, YMin: s.YMin, YMax: s.YMax,
			Occupied: hit[s.ID],
		}
	}

	kept := occupancy.Chain(
		occupancy.NewClassFilter(occCfg.ClassFilter...),
		occupancy.NewConfidenceFilter(occCfg.MinConfidence),
	)(frame.Detections)
	for _, d := range kept {
		box, err := occupancy.DetectionRect(d, frame)
		if err != nil {
			return nil, nil, nil, err
		}
		cx, cy := (box.XMin+box.XMax)/2, (box.YMin+box.YMax)/2
		for i, sc := range occCfg.Spaces {
			if sc.Region.Contains(cx, cy) {
				conf := d.Confidence
				results[i].Status = d.Class
				results[i].Confidence = &conf
				break
			}
		}
	}
	return results, est.Spaces(), hits, nil
}
