package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
	"github.com/alphawatch/go-alphawatch/pkg/notifier"
	"github.com/alphawatch/go-alphawatch/pkg/reminder"
	"github.com/alphawatch/go-alphawatch/pkg/store"
	"github.com/alphawatch/go-alphawatch/pkg/timeutil"
)

type fakeCollector struct {
	events []collector.Event
	err    error
}

func (f *fakeCollector) FetchEvents(_ context.Context) ([]collector.Event, error) {
	return f.events, f.err
}

type sentCall struct {
	reminder  notifier.Reminder
	quietMode bool
}

type fakeNotifier struct {
	calls []sentCall
	err   error
}

func (f *fakeNotifier) Send(_ context.Context, r notifier.Reminder, quietMode bool) (*notifier.Result, error) {
	f.calls = append(f.calls, sentCall{reminder: r, quietMode: quietMode})
	if f.err != nil {
		return nil, f.err
	}
	code := 200
	return &notifier.Result{
		Endpoint:     "/xsend",
		Payload:      map[string]interface{}{"title": r.Event.Token},
		StatusCode:   &code,
		ResponseBody: map[string]interface{}{"code": float64(200)},
	}, nil
}

type loggedAttempt struct {
	id           int64
	attemptNo    int
	endpoint     string
	payload      map[string]interface{}
	responseCode *int
}

type markedRow struct {
	id      int64
	success bool
	reason  string
}

type fakeStore struct {
	upserted [][]collector.Event
	ensured  [][]int
	due      []store.NotificationTask
	attempts []loggedAttempt
	marked   []markedRow
}

func (f *fakeStore) UpsertEvents(_ context.Context, events []collector.Event, _ time.Time) ([]store.StoredEvent, error) {
	f.upserted = append(f.upserted, events)
	stored := make([]store.StoredEvent, len(events))
	for i, event := range events {
		stored[i] = store.StoredEvent{ID: int64(i + 1), Event: event}
	}
	return stored, nil
}

func (f *fakeStore) EnsureNotifications(_ context.Context, _ []store.StoredEvent, offsets []int, _ string, _ time.Time) error {
	f.ensured = append(f.ensured, offsets)
	return nil
}

func (f *fakeStore) FetchDueNotifications(_ context.Context, _ time.Time) ([]store.NotificationTask, error) {
	return f.due, nil
}

func (f *fakeStore) MarkNotificationSent(_ context.Context, id int64, success bool, failReason string) error {
	f.marked = append(f.marked, markedRow{id: id, success: success, reason: failReason})
	return nil
}

func (f *fakeStore) LogNotificationAttempt(_ context.Context, id int64, attemptNo int, endpoint string, payload, _ map[string]interface{}, responseCode *int) error {
	f.attempts = append(f.attempts, loggedAttempt{
		id: id, attemptNo: attemptNo, endpoint: endpoint, payload: payload, responseCode: responseCode,
	})
	return nil
}

func newTestWatcher(t *testing.T, cfg Config, c Collector, s store.Store, n Notifier) *Watcher {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Taipei"
	}
	if cfg.Channel == "" {
		cfg.Channel = "voice"
	}
	w, err := New(cfg, c, s, n)
	require.NoError(t, err)
	return w
}

func dueTask(now time.Time) store.NotificationTask {
	offset := 30
	eventTime := now.Add(29 * time.Minute)
	return store.NotificationTask{
		ID:            7,
		EventID:       3,
		Token:         "ABC",
		EventTime:     &eventTime,
		OffsetMinutes: &offset,
		Channel:       "voice",
		RemindAt:      now.Add(-time.Minute),
		Details:       map[string]interface{}{"amount": "5000"},
		Attempts:      0,
		RawTime:       "18:00",
	}
}

func TestResolveStartTimes(t *testing.T) {
	st := &fakeStore{}
	w := newTestWatcher(t, Config{}, &fakeCollector{}, st, &fakeNotifier{})
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, w.loc)

	events := []collector.Event{
		{Token: "ABC", Section: collector.SectionToday, RawTime: "18:00", Source: collector.SourceJSON},
		{Token: "TBD", Section: collector.SectionToday, RawTime: "TBA", Source: collector.SourceDOM},
		{Token: "BAD", Section: collector.SectionToday, RawTime: "soon-ish", Source: collector.SourceDOM},
	}
	timed, pending := w.resolveStartTimes(events, now)

	require.Len(t, timed, 1)
	require.Equal(t, "ABC", timed[0].Token)
	require.NotNil(t, timed[0].StartTime)
	require.Equal(t, time.Date(2025, 1, 15, 18, 0, 0, 0, w.loc), *timed[0].StartTime)
	require.Equal(t, "today", timed[0].Details["section"])

	require.Len(t, pending, 1)
	require.Equal(t, "TBD", pending[0].Token)
}

func TestResolveStartTimesDropsTomorrow(t *testing.T) {
	w := newTestWatcher(t, Config{}, &fakeCollector{}, &fakeStore{}, &fakeNotifier{})
	now := time.Date(2025, 1, 15, 23, 50, 0, 0, w.loc)

	// 00:30 rolls over to the next day and is not persisted yet.
	timed, pending := w.resolveStartTimes([]collector.Event{
		{Token: "ABC", Section: collector.SectionToday, RawTime: "00:30"},
	}, now)
	require.Empty(t, timed)
	require.Empty(t, pending)
}

func TestTickDispatchesDueNotification(t *testing.T) {
	now := time.Now()
	st := &fakeStore{due: []store.NotificationTask{dueTask(now)}}
	n := &fakeNotifier{}
	w := newTestWatcher(t, Config{}, &fakeCollector{}, st, n)

	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, st.upserted, 1)
	require.Len(t, st.ensured, 1)
	require.Equal(t, []int{30}, st.ensured[0])

	require.Len(t, n.calls, 1)
	call := n.calls[0]
	require.False(t, call.quietMode)
	require.Equal(t, "ABC", call.reminder.Event.Token)
	require.Equal(t, collector.SourceDB, call.reminder.Event.Source)
	require.Equal(t, 30, *call.reminder.OffsetMinutes)
	require.Equal(t, "voice", call.reminder.Event.Details["channel"])

	require.Len(t, st.attempts, 1)
	require.Equal(t, int64(7), st.attempts[0].id)
	require.Equal(t, 1, st.attempts[0].attemptNo)
	require.Equal(t, "/xsend", st.attempts[0].endpoint)

	require.Len(t, st.marked, 1)
	require.Equal(t, markedRow{id: 7, success: true, reason: ""}, st.marked[0])
}

func TestTickDerivesMissingEventTime(t *testing.T) {
	now := time.Now()
	task := dueTask(now)
	task.EventTime = nil
	st := &fakeStore{due: []store.NotificationTask{task}}
	n := &fakeNotifier{}
	w := newTestWatcher(t, Config{}, &fakeCollector{}, st, n)

	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, n.calls, 1)
	startTime := n.calls[0].reminder.Event.StartTime
	require.NotNil(t, startTime)
	require.Equal(t, task.RemindAt.Add(30*time.Minute), *startTime)
}

func TestTickFlagsRescheduledEvent(t *testing.T) {
	now := time.Now()
	task := dueTask(now)
	moved := now.Add(2 * time.Hour)
	task.EventTime = &moved
	st := &fakeStore{due: []store.NotificationTask{task}}
	n := &fakeNotifier{}
	w := newTestWatcher(t, Config{}, &fakeCollector{}, st, n)

	require.NoError(t, w.Tick(context.Background()))

	require.Empty(t, n.calls)
	require.Len(t, st.attempts, 1)
	require.Equal(t, "/error", st.attempts[0].endpoint)
	require.Equal(t, "event_time_in_future", st.attempts[0].payload["reason"])
	require.Equal(t, markedRow{id: 7, success: false, reason: "event_time_in_future"}, st.marked[0])
}

func TestTickRecordsSendFailure(t *testing.T) {
	now := time.Now()
	st := &fakeStore{due: []store.NotificationTask{dueTask(now)}}
	n := &fakeNotifier{err: &notifier.SpugError{StatusCode: 503, Msg: "push rejected: 503"}}
	w := newTestWatcher(t, Config{}, &fakeCollector{}, st, n)

	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, n.calls, 1)
	require.Len(t, st.attempts, 1)
	require.Equal(t, "/error", st.attempts[0].endpoint)
	require.NotNil(t, st.attempts[0].responseCode)
	require.Equal(t, 503, *st.attempts[0].responseCode)

	require.Len(t, st.marked, 1)
	require.False(t, st.marked[0].success)
	require.Equal(t, "push rejected: 503", st.marked[0].reason)
}

func TestTickAbortsOnFetchError(t *testing.T) {
	st := &fakeStore{}
	w := newTestWatcher(t, Config{}, &fakeCollector{err: fmt.Errorf("browser crashed")}, st, &fakeNotifier{})

	require.Error(t, w.Tick(context.Background()))
	require.Empty(t, st.upserted)
	require.Empty(t, st.marked)
}

func TestTickQuietMode(t *testing.T) {
	now := time.Now()
	st := &fakeStore{due: []store.NotificationTask{dueTask(now)}}
	n := &fakeNotifier{}
	w := newTestWatcher(t, Config{
		QuietHours: &timeutil.QuietWindow{Start: 0, End: 24 * 60},
	}, &fakeCollector{}, st, n)

	require.NoError(t, w.Tick(context.Background()))
	require.Len(t, n.calls, 1)
	require.True(t, n.calls[0].quietMode)
}

func TestTickAnnouncesTBAOnce(t *testing.T) {
	state, err := reminder.NewStateStore(filepath.Join(t.TempDir(), "state.json"), 48*time.Hour)
	require.NoError(t, err)
	engine := reminder.NewEngine(state, []int{30}, 30, true)

	c := &fakeCollector{events: []collector.Event{
		{Token: "XYZ", Section: collector.SectionToday, RawTime: "TBA", Source: collector.SourceDOM},
	}}
	st := &fakeStore{}
	n := &fakeNotifier{}
	w := newTestWatcher(t, Config{Announcer: engine}, c, st, n)

	require.NoError(t, w.Tick(context.Background()))
	require.Len(t, n.calls, 1)
	require.Equal(t, reminder.ReasonAnnounced, n.calls[0].reminder.Reason)

	require.NoError(t, w.Tick(context.Background()))
	require.Len(t, n.calls, 1)
}

func TestTickDropsTBAWithoutAnnouncer(t *testing.T) {
	c := &fakeCollector{events: []collector.Event{
		{Token: "XYZ", Section: collector.SectionToday, RawTime: "TBA", Source: collector.SourceDOM},
	}}
	st := &fakeStore{}
	n := &fakeNotifier{}
	w := newTestWatcher(t, Config{}, c, st, n)

	require.NoError(t, w.Tick(context.Background()))
	require.Empty(t, n.calls)
	require.Len(t, st.upserted, 1)
	require.Empty(t, st.upserted[0])
}

func TestStartStop(t *testing.T) {
	st := &fakeStore{}
	w := newTestWatcher(t, Config{Interval: time.Hour}, &fakeCollector{}, st, &fakeNotifier{})
	w.Start()
	w.Stop()
	require.Len(t, st.upserted, 1)
}
