// Package batch splits a global ingestion time range into bounded sub-ranges
// and dispatches per-range work units to a bounded worker pool. Bounding the
// batch span caps API payload and memory per unit of work; bounding the
// worker count caps concurrent load against rate-limited upstream services.
package batch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"driftwatch/internal/types"
)

// Window is one consecutive sub-range of the global ingestion range. Both
// bounds are inclusive for point assignment.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the instant falls inside the window, inclusive on
// both ends.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Group is a window together with the readings that fall inside it.
type Group struct {
	Window   Window
	Readings []types.Reading
}

// Partition deterministically splits [start, end] into consecutive,
// non-overlapping windows each spanning at most maxSpan, covering the whole
// range with no gaps; the final window may be shorter. An empty or inverted
// range yields no windows.
func Partition(start, end time.Time, maxSpan time.Duration) []Window {
	if maxSpan <= 0 || !start.Before(end) {
		return nil
	}

	var windows []Window
	for cursor := start; cursor.Before(end); cursor = cursor.Add(maxSpan) {
		next := cursor.Add(maxSpan)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cursor, End: next})
	}
	return windows
}

// Assign distributes readings across the windows, dropping windows that end
// up empty so no downstream work is wasted on them. A reading on a shared
// window boundary is assigned to the earlier window only; duplicate delivery
// is absorbed by the store's uniqueness constraints anyway.
func Assign(windows []Window, readings []types.Reading) []Group {
	var groups []Group
	assigned := make([]bool, len(readings))
	for _, w := range windows {
		g := Group{Window: w}
		for i, r := range readings {
			if !assigned[i] && w.Contains(r.Time) {
				g.Readings = append(g.Readings, r)
				assigned[i] = true
			}
		}
		if len(g.Readings) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// Dispatch runs fn for every group using a bounded pool of workers. Groups
// are independent, so any completion order is correct. Dispatch returns only
// once every group has finished; the first error from any worker is returned,
// but in-flight and queued siblings still run to completion. Completed
// groups' writes stay committed; recovery is the job-level retry's
// responsibility.
func Dispatch(ctx context.Context, groups []Group, workers int, fn func(context.Context, Group) error) error {
	if workers < 1 {
		workers = 1
	}

	// A plain errgroup (no WithContext) deliberately does not cancel
	// siblings on first error.
	var g errgroup.Group
	g.SetLimit(workers)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, group)
		})
	}
	return g.Wait()
}
