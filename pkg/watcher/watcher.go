// Package watcher runs the scrape/persist/notify loop as a long-lived
// daemon: every tick it extracts the upstream page, resolves start times,
// materializes reminder rows and pushes the ones that are due.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
	"github.com/alphawatch/go-alphawatch/pkg/notifier"
	"github.com/alphawatch/go-alphawatch/pkg/reminder"
	"github.com/alphawatch/go-alphawatch/pkg/store"
	"github.com/alphawatch/go-alphawatch/pkg/timeutil"
)

const defaultInterval = time.Minute

// Collector yields the current list of today's events.
type Collector interface {
	FetchEvents(ctx context.Context) ([]collector.Event, error)
}

// Notifier pushes one reminder, honoring quiet-hours channel override.
type Notifier interface {
	Send(ctx context.Context, r notifier.Reminder, quietMode bool) (*notifier.Result, error)
}

// Config tunes the watcher loop.
type Config struct {
	// Interval between ticks; defaults to one minute.
	Interval time.Duration
	// Timezone is the IANA zone all wall-clock decisions are made in.
	Timezone string
	// Offsets are the reminder offsets (minutes before start) materialized
	// into the store.
	Offsets []int
	// Channel is the default push channel stamped on reminder rows.
	Channel string
	// QuietHours suppresses the default channel inside the window; nil
	// disables quiet-hours handling.
	QuietHours *timeutil.QuietWindow
	// Announcer handles events that are still TBA; nil disables the
	// announce-once path.
	Announcer *reminder.Engine
}

// Watcher is the daemon. Start launches the loop; Stop shuts it down.
type Watcher struct {
	cfg       Config
	loc       *time.Location
	collector Collector
	store     store.Store
	notifier  Notifier
	log       zerolog.Logger

	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}

	mLastTickUnix  *atomic.Int64
	mTickCounter   instrument.Int64Counter
	mTickLatency   instrument.Int64Histogram
	mEventCounter  instrument.Int64Counter
	mNotifyCounter instrument.Int64Counter
}

// New wires the watcher. The collector, store and notifier are required.
func New(cfg Config, c Collector, s store.Store, n Notifier) (*Watcher, error) {
	if c == nil || s == nil || n == nil {
		return nil, fmt.Errorf("collector, store and notifier are required")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %s", cfg.Timezone, err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if len(cfg.Offsets) == 0 {
		cfg.Offsets = []int{30}
	}

	w := &Watcher{
		cfg:       cfg,
		loc:       loc,
		collector: c,
		store:     s,
		notifier:  n,
		log: logger.With().
			Str("component", "watcher").
			Logger(),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		mLastTickUnix: atomic.NewInt64(0),
	}
	if err := w.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return w, nil
}

// Start runs the loop in a goroutine: one tick immediately, then one per
// interval until Stop is called.
func (w *Watcher) Start() {
	go func() {
		defer close(w.done)
		w.log.Info().Dur("interval", w.cfg.Interval).Msg("watcher started")

		if err := w.Tick(context.Background()); err != nil {
			w.log.Error().Err(err).Msg("tick failed")
		}
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Tick(context.Background()); err != nil {
					w.log.Error().Err(err).Msg("tick failed")
				}
			case <-w.quit:
				w.log.Info().Msg("watcher stopped")
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick.
func (w *Watcher) Stop() {
	w.quitOnce.Do(func() {
		close(w.quit)
	})
	<-w.done
}

// Tick runs one scrape/persist/notify pass. An extraction failure aborts the
// whole tick; persistence and delivery failures are handled per row.
func (w *Watcher) Tick(ctx context.Context) error {
	now := time.Now().In(w.loc)
	start := time.Now()
	defer func() {
		w.mLastTickUnix.Store(time.Now().Unix())
		w.mTickLatency.Record(ctx, time.Since(start).Milliseconds())
	}()
	w.mTickCounter.Add(ctx, 1)

	events, err := w.collector.FetchEvents(ctx)
	if err != nil {
		return fmt.Errorf("fetching events: %s", err)
	}
	w.mEventCounter.Add(ctx, int64(len(events)))

	timed, pending := w.resolveStartTimes(events, now)

	stored, err := w.store.UpsertEvents(ctx, timed, now)
	if err != nil {
		return fmt.Errorf("upserting events: %s", err)
	}
	if err := w.store.EnsureNotifications(ctx, stored, w.cfg.Offsets, w.cfg.Channel, now); err != nil {
		return fmt.Errorf("materializing notifications: %s", err)
	}

	quietMode := timeutil.InQuietHours(now, w.cfg.QuietHours)
	if err := w.dispatchDue(ctx, now, quietMode); err != nil {
		return err
	}
	w.announcePending(ctx, pending, now, quietMode)

	w.log.Info().
		Int("events", len(events)).
		Int("stored", len(stored)).
		Bool("quietMode", quietMode).
		Msg("tick complete")
	return nil
}

// resolveStartTimes normalizes each event's raw time against now. Events
// landing on today's date are returned as timed; events still TBA are
// returned separately for the announce path.
func (w *Watcher) resolveStartTimes(events []collector.Event, now time.Time) (timed, pending []collector.Event) {
	todayStr := now.Format("2006-01-02")
	for _, event := range events {
		if timeutil.IsTBA(event.RawTime) {
			pending = append(pending, event)
			continue
		}
		startTime, ok := timeutil.ParseEventTime(event.RawTime, w.loc, now)
		if !ok {
			w.log.Debug().Str("token", event.Token).Str("rawTime", event.RawTime).Msg("unparseable time")
			continue
		}
		if startTime.Format("2006-01-02") != todayStr {
			continue
		}
		event.StartTime = &startTime
		event.Section = collector.SectionToday
		details := event.CloneDetails()
		details["section"] = string(collector.SectionToday)
		event.Details = details
		timed = append(timed, event)
	}
	return timed, pending
}

// dispatchDue sends every due notification row, logging each attempt and
// moving the row to a terminal status.
func (w *Watcher) dispatchDue(ctx context.Context, now time.Time, quietMode bool) error {
	tasks, err := w.store.FetchDueNotifications(ctx, now)
	if err != nil {
		return fmt.Errorf("fetching due notifications: %s", err)
	}
	for _, task := range tasks {
		w.dispatchTask(ctx, task, now, quietMode)
	}
	return nil
}

func (w *Watcher) dispatchTask(ctx context.Context, task store.NotificationTask, now time.Time, quietMode bool) {
	attemptNo := task.Attempts + 1
	eventTime := task.EventTime
	if eventTime == nil && task.OffsetMinutes != nil {
		derived := task.RemindAt.Add(time.Duration(*task.OffsetMinutes) * time.Minute)
		eventTime = &derived
	}

	// A due row whose event time sits further out than its own offset means
	// the event was rescheduled after materialization; flag it instead of
	// sending a misleading reminder.
	if eventTime != nil && task.OffsetMinutes != nil &&
		eventTime.Sub(now) > time.Duration(*task.OffsetMinutes)*time.Minute {
		w.log.Warn().
			Int64("notificationID", task.ID).
			Str("token", task.Token).
			Time("eventTime", *eventTime).
			Msg("event time moved past the reminder window")
		w.logAndMark(ctx, task, attemptNo, false, "event_time_in_future", nil)
		return
	}

	result, err := w.notifier.Send(ctx, w.buildReminder(task, eventTime), quietMode)
	if err != nil {
		w.log.Error().Err(err).
			Int64("notificationID", task.ID).
			Str("token", task.Token).
			Msg("push failed")
		var statusCode *int
		if spugErr, ok := err.(*notifier.SpugError); ok && spugErr.StatusCode != 0 {
			code := spugErr.StatusCode
			statusCode = &code
		}
		w.logAndMark(ctx, task, attemptNo, false, err.Error(), statusCode)
		return
	}

	if logErr := w.store.LogNotificationAttempt(
		ctx, task.ID, attemptNo, result.Endpoint, result.Payload, result.ResponseBody, result.StatusCode,
	); logErr != nil {
		w.log.Error().Err(logErr).Int64("notificationID", task.ID).Msg("logging attempt failed")
	}
	if markErr := w.store.MarkNotificationSent(ctx, task.ID, true, ""); markErr != nil {
		w.log.Error().Err(markErr).Int64("notificationID", task.ID).Msg("marking sent failed")
	}
	w.mNotifyCounter.Add(ctx, 1, attribute.String("result", "sent"))
}

// logAndMark records a failed attempt and moves the row to failed.
func (w *Watcher) logAndMark(ctx context.Context, task store.NotificationTask, attemptNo int, success bool, reason string, statusCode *int) {
	payload := map[string]interface{}{
		"token":  task.Token,
		"reason": reason,
	}
	responseBody := map[string]interface{}{"error": reason}
	if err := w.store.LogNotificationAttempt(ctx, task.ID, attemptNo, "/error", payload, responseBody, statusCode); err != nil {
		w.log.Error().Err(err).Int64("notificationID", task.ID).Msg("logging attempt failed")
	}
	if err := w.store.MarkNotificationSent(ctx, task.ID, success, reason); err != nil {
		w.log.Error().Err(err).Int64("notificationID", task.ID).Msg("marking failed failed")
	}
	w.mNotifyCounter.Add(ctx, 1, attribute.String("result", "failed"))
}

func (w *Watcher) buildReminder(task store.NotificationTask, eventTime *time.Time) notifier.Reminder {
	details := make(map[string]interface{}, len(task.Details)+1)
	for k, v := range task.Details {
		details[k] = v
	}
	details["channel"] = task.Channel
	return notifier.Reminder{
		Event: collector.Event{
			Token:     task.Token,
			Section:   collector.SectionToday,
			RawTime:   task.RawTime,
			StartTime: eventTime,
			Details:   details,
			Source:    collector.SourceDB,
		},
		OffsetMinutes: task.OffsetMinutes,
		TriggerTime:   task.RemindAt,
		Reason:        reminder.ReasonScheduled,
	}
}

// announcePending runs the announce-once path for events still marked TBA.
func (w *Watcher) announcePending(ctx context.Context, pending []collector.Event, now time.Time, quietMode bool) {
	if w.cfg.Announcer == nil {
		return
	}
	for _, r := range w.cfg.Announcer.Evaluate(pending, now) {
		if _, err := w.notifier.Send(ctx, r, quietMode); err != nil {
			w.log.Error().Err(err).Str("token", r.Event.Token).Msg("announce push failed")
			continue
		}
		if err := w.cfg.Announcer.MarkDelivered(r, now); err != nil {
			w.log.Error().Err(err).Str("token", r.Event.Token).Msg("marking announce delivered failed")
		}
		w.mNotifyCounter.Add(ctx, 1, attribute.String("result", "announced"))
	}
	if err := w.cfg.Announcer.Prune(now); err != nil {
		w.log.Warn().Err(err).Msg("pruning reminder state failed")
	}
}
