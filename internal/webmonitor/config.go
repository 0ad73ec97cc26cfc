package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	AssetsDir      string
	ScreenshotDir  string
	AllowedOrigins []string
	// KeepaliveInterval paces blank MJPEG frames and SSE comments while
	// nothing new is published.
	KeepaliveInterval time.Duration
	EpochHistory      int
	PreviewOptions    PreviewOptions
}

// PreviewOptions sizes the rendered preview.
type PreviewOptions struct {
	Width   int
	Height  int
	Quality int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		AssetsDir:         "./web_assets",
		ScreenshotDir:     "./screenshots",
		AllowedOrigins:    []string{"*"},
		KeepaliveInterval: 5 * time.Second,
		EpochHistory:      120,
		PreviewOptions:    PreviewOptions{Width: 640, Height: 360, Quality: 75},
	}
}
