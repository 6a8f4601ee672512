package analyzer

import (
	"math"
	"sort"
	"time"

	"github.com/fidde/radar/pkg/models"
)

// WaterfallLayout positions the spans of one trace on a timeline.
type WaterfallLayout struct{}

// NewWaterfallLayout creates a new waterfall layout engine.
func NewWaterfallLayout() *WaterfallLayout {
	return &WaterfallLayout{}
}

// Layout turns a flat span list into timeline rows ordered by depth, then
// by start offset. Percentages are relative to totalDurationMs and are 0
// when it is not positive. Orphans, cycles and duplicate span ids never
// fail the layout: such spans are placed at depth 0.
func (l *WaterfallLayout) Layout(spans []models.SpanRecord, totalDurationMs float64) []models.WaterfallRow {
	rows := make([]models.WaterfallRow, 0, len(spans))
	if len(spans) == 0 {
		return rows
	}

	depths := resolveDepths(spans)
	for i := range spans {
		s := &spans[i]
		offset := finiteOrZero(s.OffsetMs)
		duration, _ := finite(s.DurationMs)

		rows = append(rows, models.WaterfallRow{
			SpanID:        s.SpanID,
			ParentSpanID:  s.ParentSpanID.ValueOrZero(),
			OperationName: s.OperationName,
			ServiceName:   s.ServiceName.ValueOrZero(),
			Depth:         depths[i],
			OffsetMs:      offset,
			DurationMs:    duration,
			LeftPercent:   percentOf(offset, totalDurationMs),
			WidthPercent:  percentOf(duration, totalDurationMs),
			Status:        s.Status,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Depth != rows[j].Depth {
			return rows[i].Depth < rows[j].Depth
		}
		return rows[i].OffsetMs < rows[j].OffsetMs
	})

	return rows
}

// resolveDepths returns the ancestor count of every span. When span ids
// repeat, the first occurrence is the one parents resolve to.
func resolveDepths(spans []models.SpanRecord) []int {
	index := make(map[string]int, len(spans))
	for i := range spans {
		if _, seen := index[spans[i].SpanID]; !seen {
			index[spans[i].SpanID] = i
		}
	}

	depths := make([]int, len(spans))
	for i := range spans {
		depths[i] = ancestorDepth(i, spans, index)
	}
	return depths
}

// ancestorDepth walks parent links from span i up to a root. A chain that
// revisits a span is a cycle and yields depth 0.
func ancestorDepth(i int, spans []models.SpanRecord, index map[string]int) int {
	visited := map[int]struct{}{i: {}}
	depth := 0
	cur := i
	for {
		parent := spans[cur].ParentSpanID
		if !parent.Valid || parent.String == "" {
			return depth
		}
		next, ok := index[parent.String]
		if !ok {
			// Parent not in this set: the chain starts here
			return depth
		}
		if _, seen := visited[next]; seen {
			return 0
		}
		visited[next] = struct{}{}
		depth++
		cur = next
	}
}

// percentOf returns v as a percentage of total, clamped to [0, 100].
func percentOf(v, total float64) float64 {
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0
	}
	p := v / total * 100
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// spanEnd returns when a span finished: its end time when recorded,
// otherwise start plus duration. ok is false when neither is known.
func spanEnd(s *models.SpanRecord) (time.Time, bool) {
	if s.EndTime.Valid {
		return s.EndTime.Time, true
	}
	if d, ok := finite(s.DurationMs); ok && !s.StartTime.IsZero() {
		return s.StartTime.Add(time.Duration(d * float64(time.Millisecond))), true
	}
	return time.Time{}, false
}

// AssignOffsets returns a copy of spans with OffsetMs set relative to the
// earliest start time in the set. Spans without a start time get offset 0.
func AssignOffsets(spans []models.SpanRecord) []models.SpanRecord {
	out := make([]models.SpanRecord, len(spans))
	copy(out, spans)

	var origin time.Time
	for i := range out {
		st := out[i].StartTime
		if st.IsZero() {
			continue
		}
		if origin.IsZero() || st.Before(origin) {
			origin = st
		}
	}

	for i := range out {
		if out[i].StartTime.IsZero() {
			out[i].OffsetMs = 0
			continue
		}
		out[i].OffsetMs = float64(out[i].StartTime.Sub(origin).Microseconds()) / 1000
	}
	return out
}

// TraceExtentMs returns the furthest point any span reaches on the
// timeline, as offset plus duration. Used when a trace has no recorded
// duration of its own.
func TraceExtentMs(spans []models.SpanRecord) float64 {
	var extent float64
	for i := range spans {
		d, _ := finite(spans[i].DurationMs)
		if end := finiteOrZero(spans[i].OffsetMs) + d; end > extent {
			extent = end
		}
	}
	return extent
}

// SummarizeTrace builds the trace summary for a set of spans belonging to
// traceID. The root is the first span without a resolvable parent.
func SummarizeTrace(traceID string, spans []models.SpanRecord) *models.Trace {
	t := &models.Trace{
		TraceID:   traceID,
		SpanCount: len(spans),
		Status:    models.SpanStatusOK,
	}
	if len(spans) == 0 {
		return t
	}

	ids := make(map[string]struct{}, len(spans))
	for i := range spans {
		ids[spans[i].SpanID] = struct{}{}
	}

	var root *models.SpanRecord
	for i := range spans {
		s := &spans[i]
		if s.Status.IsError() {
			t.Status = models.SpanStatusError
		}

		if root == nil {
			parent := s.ParentSpanID
			if _, ok := ids[parent.String]; !parent.Valid || parent.String == "" || !ok {
				root = s
			}
		}

		if !s.StartTime.IsZero() && (t.StartTime.IsZero() || s.StartTime.Before(t.StartTime)) {
			t.StartTime = s.StartTime
		}
		if end, ok := spanEnd(s); ok && end.After(t.EndTime) {
			t.EndTime = end
		}
	}
	if root == nil {
		root = &spans[0]
	}

	t.OperationName = root.OperationName
	t.ServiceName = root.ServiceName.ValueOrZero()
	if t.ServiceName == "" {
		for i := range spans {
			if spans[i].ServiceName.Valid && spans[i].ServiceName.String != "" {
				t.ServiceName = spans[i].ServiceName.String
				break
			}
		}
	}

	if t.EndTime.Before(t.StartTime) {
		t.EndTime = t.StartTime
	}
	if !t.StartTime.IsZero() {
		t.DurationMs = float64(t.EndTime.Sub(t.StartTime).Microseconds()) / 1000
	}
	return t
}
