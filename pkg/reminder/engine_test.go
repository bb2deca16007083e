package reminder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
)

func newTestEngine(t *testing.T, offsets []int, ahead int, tbaOnce bool) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := NewStateStore(path, 48*time.Hour)
	require.NoError(t, err)
	return NewEngine(state, offsets, ahead, tbaOnce), path
}

func timedEvent(start time.Time) collector.Event {
	return collector.Event{
		Token:     "ABC",
		Section:   collector.SectionToday,
		RawTime:   start.Format("15:04"),
		StartTime: &start,
		Source:    collector.SourceJSON,
	}
}

func TestEvaluateOffsetTrigger(t *testing.T) {
	engine, _ := newTestEngine(t, []int{30, 5}, 30, false)
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)
	start := time.Date(2025, 1, 15, 18, 0, 0, 0, loc)
	events := []collector.Event{timedEvent(start)}

	// Before the earliest trigger nothing is due.
	require.Empty(t, engine.Evaluate(events, start.Add(-31*time.Minute)))

	// At T-30 only the 30-minute reminder fires.
	due := engine.Evaluate(events, start.Add(-30*time.Minute))
	require.Len(t, due, 1)
	require.Equal(t, 30, *due[0].OffsetMinutes)
	require.Equal(t, ReasonScheduled, due[0].Reason)
	require.Equal(t, start.Add(-30*time.Minute), due[0].TriggerTime)

	require.NoError(t, engine.MarkDelivered(due[0], start.Add(-30*time.Minute)))

	// Re-evaluating at the same instant yields nothing new.
	require.Empty(t, engine.Evaluate(events, start.Add(-30*time.Minute)))

	// At T-5 the smaller offset fires on its own key.
	due = engine.Evaluate(events, start.Add(-5*time.Minute))
	require.Len(t, due, 1)
	require.Equal(t, 5, *due[0].OffsetMinutes)
}

func TestEvaluateSkipsPastEvents(t *testing.T) {
	engine, _ := newTestEngine(t, []int{30}, 30, false)
	start := time.Now().Add(-time.Minute)
	require.Empty(t, engine.Evaluate([]collector.Event{timedEvent(start)}, time.Now()))
}

func TestEvaluateTBAOnce(t *testing.T) {
	engine, _ := newTestEngine(t, []int{30}, 30, true)
	now := time.Now()
	events := []collector.Event{{
		Token:   "XYZ",
		Section: collector.SectionToday,
		RawTime: "TBA",
		Source:  collector.SourceDOM,
	}}

	due := engine.Evaluate(events, now)
	require.Len(t, due, 1)
	require.Equal(t, ReasonAnnounced, due[0].Reason)
	require.Nil(t, due[0].OffsetMinutes)

	require.NoError(t, engine.MarkDelivered(due[0], now))
	require.Empty(t, engine.Evaluate(events, now))
}

func TestEvaluateTBADisabled(t *testing.T) {
	engine, _ := newTestEngine(t, []int{30}, 30, false)
	events := []collector.Event{{Token: "XYZ", RawTime: "待定"}}
	require.Empty(t, engine.Evaluate(events, time.Now()))
}

func TestStatePersistsAcrossRestarts(t *testing.T) {
	engine, path := newTestEngine(t, []int{30}, 30, true)
	now := time.Now()
	event := collector.Event{Token: "XYZ", RawTime: "TBA"}

	due := engine.Evaluate([]collector.Event{event}, now)
	require.Len(t, due, 1)
	require.NoError(t, engine.MarkDelivered(due[0], now))

	state, err := NewStateStore(path, 48*time.Hour)
	require.NoError(t, err)
	restarted := NewEngine(state, []int{30}, 30, true)
	require.Empty(t, restarted.Evaluate([]collector.Event{event}, now))
}

func TestStatePrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state, err := NewStateStore(path, time.Hour)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, state.MarkNotified("old", now.Add(-2*time.Hour)))
	require.NoError(t, state.MarkNotified("fresh", now))
	require.NoError(t, state.Prune(now))

	require.False(t, state.WasNotified("old"))
	require.True(t, state.WasNotified("fresh"))
}

func TestStateStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	state, err := NewStateStore(path, time.Hour)
	require.NoError(t, err)
	require.False(t, state.WasNotified("anything"))
}

func TestKey(t *testing.T) {
	loc := time.UTC
	start := time.Date(2025, 1, 15, 18, 0, 0, 0, loc)
	offset := 30
	event := collector.Event{Token: "ABC", RawTime: "18:00", StartTime: &start}

	require.Equal(t, "2025-01-15|ABC|18:00|30", Key(event, &offset))
	require.Equal(t, "tba|ABC", Key(event, nil))
	require.Equal(t, "tba|XYZ", Key(collector.Event{Token: "XYZ"}, &offset))
}
