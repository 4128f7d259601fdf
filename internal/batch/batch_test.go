package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftwatch/internal/types"
)

var start = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func TestPartitionCoverage(t *testing.T) {
	tests := []struct {
		name    string
		span    time.Duration
		maxSpan time.Duration
		want    int
	}{
		{name: "even split", span: 72 * time.Hour, maxSpan: 24 * time.Hour, want: 3},
		{name: "short tail", span: 60 * time.Hour, maxSpan: 24 * time.Hour, want: 3},
		{name: "single window", span: 10 * time.Hour, maxSpan: 24 * time.Hour, want: 1},
		{name: "exact window", span: 24 * time.Hour, maxSpan: 24 * time.Hour, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end := start.Add(tt.span)
			windows := Partition(start, end, tt.maxSpan)
			require.Len(t, windows, tt.want)

			// Union covers [start, end] exactly: consecutive, no gap, no overlap.
			assert.Equal(t, start, windows[0].Start)
			assert.Equal(t, end, windows[len(windows)-1].End)
			for i := 1; i < len(windows); i++ {
				assert.Equal(t, windows[i-1].End, windows[i].Start)
			}
			for _, w := range windows {
				assert.True(t, w.Start.Before(w.End))
				assert.LessOrEqual(t, w.End.Sub(w.Start), tt.maxSpan)
			}
		})
	}
}

func TestPartitionDegenerateRanges(t *testing.T) {
	assert.Nil(t, Partition(start, start, time.Hour))
	assert.Nil(t, Partition(start.Add(time.Hour), start, time.Hour))
	assert.Nil(t, Partition(start, start.Add(time.Hour), 0))
}

func TestAssignDropsEmptyWindows(t *testing.T) {
	end := start.Add(72 * time.Hour)
	windows := Partition(start, end, 24*time.Hour)

	readings := []types.Reading{
		{SensorID: "a", Time: start.Add(time.Hour)},
		{SensorID: "b", Time: start.Add(2 * time.Hour)},
		// Nothing in the second window.
		{SensorID: "c", Time: start.Add(50 * time.Hour)},
	}

	groups := Assign(windows, readings)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Readings, 2)
	assert.Len(t, groups[1].Readings, 1)

	// Every reading sits inside its group's window bounds.
	for _, g := range groups {
		for _, r := range g.Readings {
			assert.True(t, g.Window.Contains(r.Time))
		}
	}
}

func TestAssignBoundaryPointGoesToEarlierWindow(t *testing.T) {
	windows := Partition(start, start.Add(48*time.Hour), 24*time.Hour)
	boundary := start.Add(24 * time.Hour)

	groups := Assign(windows, []types.Reading{{SensorID: "a", Time: boundary}})
	require.Len(t, groups, 1)
	assert.Equal(t, windows[0], groups[0].Window)
}

func TestDispatchRunsEveryGroup(t *testing.T) {
	groups := makeGroups(8)

	var mu sync.Mutex
	seen := map[time.Time]bool{}
	var inFlight, maxInFlight int32

	err := Dispatch(context.Background(), groups, 3, func(ctx context.Context, g Group) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)

		mu.Lock()
		seen[g.Window.Start] = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, seen, 8)
	assert.LessOrEqual(t, maxInFlight, int32(3))
}

func TestDispatchSurfacesFirstErrorAfterSiblingsFinish(t *testing.T) {
	groups := makeGroups(5)
	boom := errors.New("batch 2 exploded")

	var completed int32
	err := Dispatch(context.Background(), groups, 2, func(ctx context.Context, g Group) error {
		if g.Window.Start.Equal(groups[2].Window.Start) {
			return boom
		}
		atomic.AddInt32(&completed, 1)
		return nil
	})

	require.ErrorIs(t, err, boom)
	// All siblings ran to completion despite the failure.
	assert.Equal(t, int32(4), completed)
}

func TestDispatchRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Dispatch(ctx, makeGroups(3), 2, func(ctx context.Context, g Group) error {
		t.Fatal("work must not run under a cancelled context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func makeGroups(n int) []Group {
	var groups []Group
	for i := 0; i < n; i++ {
		ws := start.Add(time.Duration(i) * time.Hour)
		groups = append(groups, Group{
			Window:   Window{Start: ws, End: ws.Add(time.Hour)},
			Readings: []types.Reading{{SensorID: "s", Time: ws.Add(time.Minute)}},
		})
	}
	return groups
}
