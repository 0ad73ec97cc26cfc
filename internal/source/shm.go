package source

import (
	"time"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// SHMConfig locates the detection block published by the camera daemon.
type SHMConfig struct {
	Name string
	// Width and Height are the pixel size of the frames the detector ran
	// on; the block itself does not carry them.
	Width  int
	Height int
	Poll   time.Duration
}

// DefaultSHMConfig matches the camera daemon defaults.
func DefaultSHMConfig() SHMConfig {
	return SHMConfig{
		Name:   "/parking_detections",
		Width:  1920,
		Height: 1080,
		Poll:   33 * time.Millisecond,
	}
}

// shmBox is a top-left anchored pixel box as written by the daemon.
type shmBox struct {
	X, Y, W, H int
}

func shmDetection(class string, confidence float64, b shmBox) types.Detection {
	return types.Detection{
		Class:      class,
		Confidence: confidence,
		X:          float64(b.X) + float64(b.W)/2,
		Y:          float64(b.Y) + float64(b.H)/2,
		Width:      float64(b.W),
		Height:     float64(b.H),
	}
}
