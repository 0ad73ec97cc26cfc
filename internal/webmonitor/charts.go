package webmonitor

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/hau2park/parking-monitor/internal/occupancy"
)

// occupancyChart plots each space's epoch ratio over the recorded history.
func occupancyChart(reports []occupancy.EpochReport) *charts.Line {
	line := charts.NewLine()
	subtitle := "no completed epochs yet"
	if n := len(reports); n > 0 {
		subtitle = fmt.Sprintf("%d epochs, %s to %s", n,
			reports[0].End.Format(time.RFC3339), reports[n-1].End.Format(time.RFC3339))
	}
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Parking occupancy", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Occupancy ratio per epoch", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ratio", Min: 0, Max: 1}),
	)

	x := make([]string, len(reports))
	var order []string
	series := make(map[string][]opts.LineData)
	for i, r := range reports {
		x[i] = r.End.Format("15:04:05")
		for _, res := range r.Results {
			if _, ok := series[res.ID]; !ok {
				order = append(order, res.ID)
				// Spaces first seen late get gaps for earlier epochs.
				series[res.ID] = make([]opts.LineData, i, len(reports))
				for j := range series[res.ID] {
					series[res.ID][j] = opts.LineData{Value: nil}
				}
			}
			series[res.ID] = append(series[res.ID], opts.LineData{Value: res.Ratio})
		}
	}

	line.SetXAxis(x)
	for _, id := range order {
		line.AddSeries(id, series[id])
	}
	return line
}

func (s *Server) handleOccupancyChart(w http.ResponseWriter, r *http.Request) {
	line := occupancyChart(s.monitor.Epochs(0))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("render error: %v", err)}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
