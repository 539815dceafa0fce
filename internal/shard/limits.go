package shard

import "time"

// Client-facing admission limits. Burst and sustained windows both apply
// to setCell; churn covers subscription adds and removes.
const (
	maxTilesSubscribed = 300

	setCellBurstLimit  = 20
	setCellBurstWindow = time.Second

	setCellSustainedLimit  = 50
	setCellSustainedWindow = 10 * time.Second

	tileChurnLimit  = 600
	tileChurnWindow = time.Minute
)

// slidingWindow counts events inside a trailing time window. Timestamps
// compact in place on each call, so memory stays bounded by the limit.
type slidingWindow struct {
	window time.Duration
	limit  int
	stamps []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{window: window, limit: limit}
}

// allow records an event at now and reports whether the windowed count is
// still within the limit. The event is recorded either way, so a client
// hammering a closed window keeps it closed.
func (w *slidingWindow) allow(now time.Time) bool {
	cutoff := now.Add(-w.window)
	keep := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			w.stamps[keep] = ts
			keep++
		}
	}
	w.stamps = w.stamps[:keep]
	w.stamps = append(w.stamps, now)
	return len(w.stamps) <= w.limit
}
