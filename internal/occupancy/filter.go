package occupancy

import (
	"strings"

	"github.com/samber/lo"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// Filter drops or rewrites the detections of one frame before assignment.
type Filter func([]types.Detection) []types.Detection

// NewClassFilter keeps detections whose class matches one of classes
// (case-insensitive). With no classes it keeps everything.
func NewClassFilter(classes ...string) Filter {
	if len(classes) == 0 {
		return func(in []types.Detection) []types.Detection { return in }
	}
	return func(in []types.Detection) []types.Detection {
		return lo.Filter(in, func(d types.Detection, _ int) bool {
			return lo.ContainsBy(classes, func(c string) bool {
				return strings.EqualFold(strings.TrimSpace(c), d.Class)
			})
		})
	}
}

// NewConfidenceFilter keeps detections at or above min.
func NewConfidenceFilter(min float64) Filter {
	return func(in []types.Detection) []types.Detection {
		return lo.Filter(in, func(d types.Detection, _ int) bool {
			return d.Confidence >= min
		})
	}
}

// Chain applies filters in order.
func Chain(filters ...Filter) Filter {
	return func(in []types.Detection) []types.Detection {
		for _, f := range filters {
			in = f(in)
		}
		return in
	}
}
