// Package store defines the persistence interface of the event lifecycle
// pipeline: event upserts, reminder materialization, due-row selection,
// delivery state transitions and the append-only attempt log.
package store

import (
	"context"
	"time"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
)

// Status is a notification's delivery state. Transitions are monotonic:
// pending -> sent or pending -> failed, never back.
type Status string

// Notification statuses.
const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// StoredEvent pairs a persisted event row with the extraction record it was
// written from. Upserts skip guarded events, so callers must not assume a
// 1:1 alignment with their input slice.
type StoredEvent struct {
	ID    int64
	Event collector.Event
}

// NotificationTask is a due reminder joined with its event row.
type NotificationTask struct {
	ID            int64
	EventID       int64
	Token         string
	EventTime     *time.Time
	OffsetMinutes *int
	Channel       string
	RemindAt      time.Time
	Details       map[string]interface{}
	Attempts      int
	RawTime       string
}

// Store is the repository the watcher drives once per tick.
type Store interface {
	// UpsertEvents writes each event that passes the persistence guards
	// (details date must be today when present; raw_time must carry an
	// HH:MM clock) and returns the surviving rows in input order.
	UpsertEvents(ctx context.Context, events []collector.Event, now time.Time) ([]StoredEvent, error)

	// EnsureNotifications materializes one reminder row per (event, offset)
	// at start_time - offset minutes. Reinsertion is a no-op; events whose
	// start time passed more than the stale window ago are skipped.
	EnsureNotifications(ctx context.Context, stored []StoredEvent, offsets []int, channel string, now time.Time) error

	// FetchDueNotifications returns pending rows with remind_at <= now,
	// ordered by remind_at then insertion id.
	FetchDueNotifications(ctx context.Context, now time.Time) ([]NotificationTask, error)

	// MarkNotificationSent moves a pending row to sent or failed, stamps
	// sent_at on success and increments the attempt counter. Terminal rows
	// are left untouched.
	MarkNotificationSent(ctx context.Context, id int64, success bool, failReason string) error

	// LogNotificationAttempt appends one immutable row per send attempt.
	LogNotificationAttempt(ctx context.Context, id int64, attemptNo int, endpoint string, payload, responseBody map[string]interface{}, responseCode *int) error
}
