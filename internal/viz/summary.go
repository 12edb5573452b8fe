package viz

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"github.com/SVDmodel/SVD-sub000/internal/storage"
	"github.com/guptarohit/asciigraph"
)

const chartHeight = 10

// ChangedChart plots changed cells per year. It returns "" for fewer than
// two years.
func ChangedChart(cycles []storage.CycleStats, width int) string {
	if len(cycles) < 2 {
		return ""
	}
	data := make([]float64, len(cycles))
	for i, c := range cycles {
		data[i] = float64(c.Changed)
	}
	opts := []asciigraph.Option{asciigraph.Height(chartHeight), asciigraph.Caption("changed cells per year")}
	if width > 0 {
		opts = append(opts, asciigraph.Width(width))
	}
	return asciigraph.Plot(data, opts...)
}

// Summary renders a finished run: per-year totals, the changed-cell chart and,
// when hist is non-empty, the final state histogram named after states.
func Summary(title string, cycles []storage.CycleStats, hist map[landscape.StateID]int, states []landscape.State) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(title))
	b.WriteString("\n\n")

	var evaluated, changed, built, errs int
	var elapsed time.Duration
	for _, c := range cycles {
		evaluated += c.Evaluated
		changed += c.Changed
		built += c.Built
		errs += c.Errors
		elapsed += c.Duration
	}
	fmt.Fprintf(&b, "%s  %s  %s  %s\n",
		Metric("years", fmt.Sprint(len(cycles))),
		Metric("evaluated", fmt.Sprint(evaluated)),
		Metric("changed", fmt.Sprint(changed)),
		Metric("packages", fmt.Sprint(built)))
	errLine := Metric("errors", fmt.Sprint(errs))
	if errs > 0 {
		errLine = MetricLabel.Render("errors ") + StatusFailed.Render(fmt.Sprint(errs))
	}
	fmt.Fprintf(&b, "%s  %s\n", errLine, Metric("cycle time", elapsed.Round(time.Microsecond).String()))

	if chart := ChangedChart(cycles, 60); chart != "" {
		b.WriteString("\n")
		b.WriteString(chart)
		b.WriteString("\n")
	}

	if len(hist) > 0 {
		b.WriteString("\n")
		b.WriteString(Histogram(hist, states, 30))
	}
	return Panel.Render(b.String())
}

// Histogram renders one bar per state, largest share first.
func Histogram(hist map[landscape.StateID]int, states []landscape.State, width int) string {
	names := make(map[landscape.StateID]string, len(states))
	for _, s := range states {
		names[s.ID] = s.Name
	}
	ids := make([]landscape.StateID, 0, len(hist))
	total := 0
	for id, n := range hist {
		ids = append(ids, id)
		total += n
	}
	if total == 0 {
		return ""
	}
	sort.Slice(ids, func(i, j int) bool {
		if hist[ids[i]] != hist[ids[j]] {
			return hist[ids[i]] > hist[ids[j]]
		}
		return ids[i] < ids[j]
	})

	var b strings.Builder
	for _, id := range ids {
		name := names[id]
		if name == "" {
			name = fmt.Sprintf("state %d", id)
		}
		share := float64(hist[id]) / float64(total)
		fmt.Fprintf(&b, "%-12s %s %s\n", name, ProgressBar(share, width),
			MetricValue.Render(fmt.Sprintf("%5.1f%%", share*100)))
	}
	return b.String()
}
