package reminder

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
	"github.com/alphawatch/go-alphawatch/pkg/notifier"
	"github.com/alphawatch/go-alphawatch/pkg/timeutil"
)

// Reasons attached to emitted reminders.
const (
	ReasonScheduled = "scheduled"
	ReasonAnnounced = "announced"
)

// Engine decides which reminders are due right now based on delivered-state
// bookkeeping rather than database rows. It backs the announce-once path for
// events that have no start time yet.
type Engine struct {
	state         *StateStore
	aheadMinutes  int
	offsets       []int
	notifyTBAOnce bool
	log           zerolog.Logger
}

// NewEngine returns an engine over the given state store. Offsets are
// evaluated largest first so the earliest trigger wins within a tick.
func NewEngine(state *StateStore, offsets []int, aheadMinutes int, notifyTBAOnce bool) *Engine {
	sorted := make([]int, len(offsets))
	copy(sorted, offsets)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	return &Engine{
		state:         state,
		aheadMinutes:  aheadMinutes,
		offsets:       sorted,
		notifyTBAOnce: notifyTBAOnce,
		log: logger.With().
			Str("component", "reminderengine").
			Logger(),
	}
}

// Evaluate returns the reminders due at now. Timed events emit one reminder
// per elapsed offset whose key was not delivered yet; events still marked
// TBA emit a single announce reminder when that mode is on.
func (e *Engine) Evaluate(events []collector.Event, now time.Time) []notifier.Reminder {
	var due []notifier.Reminder
	for _, event := range events {
		if event.StartTime == nil || timeutil.IsTBA(event.RawTime) {
			if e.notifyTBAOnce {
				if r, ok := e.evaluateTBA(event, now); ok {
					due = append(due, r)
				}
			}
			continue
		}

		start := *event.StartTime
		if now.After(start) || !timeutil.IsWithinWindow(start, now, e.aheadMinutes) {
			continue
		}
		for _, offset := range e.offsets {
			trigger := start.Add(-time.Duration(offset) * time.Minute)
			if now.Before(trigger) {
				continue
			}
			if e.state.WasNotified(Key(event, &offset)) {
				continue
			}
			offsetCopy := offset
			due = append(due, notifier.Reminder{
				Event:         event,
				OffsetMinutes: &offsetCopy,
				TriggerTime:   trigger,
				Reason:        ReasonScheduled,
			})
		}
	}
	return due
}

func (e *Engine) evaluateTBA(event collector.Event, now time.Time) (notifier.Reminder, bool) {
	if e.state.WasNotified(Key(event, nil)) {
		return notifier.Reminder{}, false
	}
	return notifier.Reminder{
		Event:       event,
		TriggerTime: now,
		Reason:      ReasonAnnounced,
	}, true
}

// MarkDelivered records that the reminder went out so later ticks skip it.
func (e *Engine) MarkDelivered(r notifier.Reminder, now time.Time) error {
	if err := e.state.MarkNotified(Key(r.Event, r.OffsetMinutes), now); err != nil {
		return fmt.Errorf("marking reminder delivered: %s", err)
	}
	return nil
}

// Prune expires old state entries.
func (e *Engine) Prune(now time.Time) error {
	return e.state.Prune(now)
}

// Key identifies one logical reminder. Timed reminders key on the event's
// start date, token, raw time and offset; announce reminders on the token
// alone so a later concrete time still gets its own scheduled reminders.
func Key(event collector.Event, offset *int) string {
	if offset == nil || event.StartTime == nil {
		return fmt.Sprintf("tba|%s", event.Token)
	}
	return fmt.Sprintf("%s|%s|%s|%d",
		event.StartTime.Format("2006-01-02"), event.Token, event.RawTime, *offset)
}
