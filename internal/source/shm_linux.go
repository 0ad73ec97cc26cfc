//go:build linux && cgo

package source

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>

#define MAX_DETECTIONS 10

typedef struct {
    int x;
    int y;
    int w;
    int h;
} BoundingBox;

typedef struct {
    char class_name[32];
    float confidence;
    BoundingBox bbox;
} Detection;

typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int num_detections;
    Detection detections[MAX_DETECTIONS];
    volatile uint32_t version;
} LatestDetectionResult;

static LatestDetectionResult* open_detection_shm(const char* name) {
    int fd = shm_open(name, O_RDONLY, 0666);
    if (fd == -1) {
        return NULL;
    }
    LatestDetectionResult* shm = (LatestDetectionResult*)mmap(
        NULL, sizeof(LatestDetectionResult), PROT_READ, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

static void close_detection_shm(LatestDetectionResult* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(LatestDetectionResult));
    }
}

static uint32_t detection_version(LatestDetectionResult* shm) {
    return __atomic_load_n(&shm->version, __ATOMIC_ACQUIRE);
}

// Copies the block and reports the version it was read under. A writer
// racing the copy shows up as a version mismatch.
static uint32_t read_detection_snapshot(LatestDetectionResult* shm, LatestDetectionResult* out) {
    uint32_t before = __atomic_load_n(&shm->version, __ATOMIC_ACQUIRE);
    memcpy(out, shm, sizeof(LatestDetectionResult));
    uint32_t after = __atomic_load_n(&shm->version, __ATOMIC_ACQUIRE);
    return before == after ? before : 0;
}
*/
import "C"

import (
	"bytes"
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// SHM polls the shared-memory detection block and yields a frame for
// every new version.
type SHM struct {
	cfg     SHMConfig
	shm     *C.LatestDetectionResult
	lastVer uint32
}

// NewSHM maps the detection block read-only.
func NewSHM(cfg SHMConfig) (*SHM, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("shm source: frame size %dx%d must be positive", cfg.Width, cfg.Height)
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultSHMConfig().Poll
	}

	cName := C.CString(cfg.Name)
	defer C.free(unsafe.Pointer(cName))
	shm := C.open_detection_shm(cName)
	if shm == nil {
		return nil, fmt.Errorf("shm source: %s not available", cfg.Name)
	}

	logger.Info("Source", "Reading detections from shared memory %s", cfg.Name)
	return &SHM{cfg: cfg, shm: shm}, nil
}

func (s *SHM) Next(ctx context.Context) (types.Frame, error) {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	for {
		if s.shm == nil {
			return types.Frame{}, ErrClosedSource
		}
		if uint32(C.detection_version(s.shm)) != s.lastVer {
			if f, ok := s.read(); ok {
				return f, nil
			}
		}
		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SHM) read() (types.Frame, bool) {
	var snap C.LatestDetectionResult
	version := uint32(C.read_detection_snapshot(s.shm, &snap))
	if version == 0 || version == s.lastVer {
		return types.Frame{}, false
	}
	s.lastVer = version

	f := types.Frame{
		Number:    uint64(snap.frame_number),
		Timestamp: time.Unix(int64(snap.timestamp.tv_sec), int64(snap.timestamp.tv_nsec)),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
	}
	n := min(int(snap.num_detections), int(C.MAX_DETECTIONS))
	for i := 0; i < n; i++ {
		det := snap.detections[i]
		classBytes := C.GoBytes(unsafe.Pointer(&det.class_name[0]), 32)
		class := string(bytes.TrimRight(classBytes, "\x00"))
		f.Detections = append(f.Detections, shmDetection(class, float64(det.confidence), shmBox{
			X: int(det.bbox.x), Y: int(det.bbox.y), W: int(det.bbox.w), H: int(det.bbox.h),
		}))
	}
	return f, true
}

func (s *SHM) Close() error {
	if s.shm != nil {
		C.close_detection_shm(s.shm)
		s.shm = nil
	}
	return nil
}
