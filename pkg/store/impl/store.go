// Package impl implements store.Store on Postgres through the shared pgx
// pool.
package impl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
	"github.com/alphawatch/go-alphawatch/pkg/database"
	"github.com/alphawatch/go-alphawatch/pkg/store"
)

// staleAfter is how long after an event's start time reminder
// materialization is still worth doing.
const staleAfter = 30 * time.Minute

// failReasonMaxLen matches the fail_reason column width.
const failReasonMaxLen = 255

// json serializes details payloads without HTML escaping so the stored blob
// keeps CJK text readable; sorted keys keep serialization deterministic.
var json = jsoniter.Config{EscapeHTML: false, SortMapKeys: true}.Froze()

// clockRe is the persistence guard on raw_time: only events carrying a
// well-formed clock string are stored.
var clockRe = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)

var (
	amountKeys = []string{"amount", "数量", "allocation", "supply"}
	pointsKeys = []string{"points", "积分", "score"}
)

// AlphaStore is the Postgres-backed repository.
type AlphaStore struct {
	db  *database.Database
	log zerolog.Logger
}

var _ store.Store = (*AlphaStore)(nil)

// New returns a repository over the given database and registers its pool
// gauges.
func New(db *database.Database) (*AlphaStore, error) {
	s := &AlphaStore{
		db: db,
		log: logger.With().
			Str("component", "store").
			Logger(),
	}
	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %s", err)
	}
	return s, nil
}

// UpsertEvents implements store.Store.
func (s *AlphaStore) UpsertEvents(ctx context.Context, events []collector.Event, now time.Time) ([]store.StoredEvent, error) {
	pool := s.db.Pool()
	if pool == nil {
		return nil, fmt.Errorf("database pool not initialized")
	}

	todayStr := now.Format("2006-01-02")
	stored := make([]store.StoredEvent, 0, len(events))
	for _, event := range events {
		if dateStr, ok := eventDate(event.Details); ok && dateStr != todayStr {
			s.log.Debug().Str("token", event.Token).Str("date", dateStr).Msg("skipping non-today event")
			continue
		}
		if !clockRe.MatchString(event.RawTime) {
			s.log.Debug().Str("token", event.Token).Str("rawTime", event.RawTime).Msg("skipping event without clock time")
			continue
		}

		detailsJSON, err := json.Marshal(event.Details)
		if err != nil {
			return nil, fmt.Errorf("marshaling event details: %s", err)
		}
		amount := firstDetailValue(event.Details, amountKeys)
		points := firstDetailValue(event.Details, pointsKeys)

		var id int64
		err = pool.QueryRow(ctx,
			`SELECT id FROM alpha_events WHERE token = $1 AND raw_time = $2`,
			event.Token, event.RawTime,
		).Scan(&id)
		switch {
		case err == nil:
			if _, err := pool.Exec(ctx,
				`UPDATE alpha_events
				 SET start_time = $1,
				     raw_time = $2,
				     amount = $3,
				     points = $4,
				     details_json = $5,
				     updated_at = now()
				 WHERE id = $6`,
				event.StartTime, event.RawTime, amount, points, detailsJSON, id,
			); err != nil {
				return nil, fmt.Errorf("updating event %q: %s", event.Token, err)
			}
		case errors.Is(err, pgx.ErrNoRows):
			if err := pool.QueryRow(ctx,
				`INSERT INTO alpha_events (token, start_time, raw_time, source, amount, points, details_json)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				event.Token, event.StartTime, event.RawTime, string(event.Source), amount, points, detailsJSON,
			).Scan(&id); err != nil {
				return nil, fmt.Errorf("inserting event %q: %s", event.Token, err)
			}
		default:
			return nil, fmt.Errorf("looking up event %q: %s", event.Token, err)
		}

		stored = append(stored, store.StoredEvent{ID: id, Event: event})
	}
	return stored, nil
}

// EnsureNotifications implements store.Store.
func (s *AlphaStore) EnsureNotifications(ctx context.Context, storedEvents []store.StoredEvent, offsets []int, channel string, now time.Time) error {
	pool := s.db.Pool()
	if pool == nil {
		return fmt.Errorf("database pool not initialized")
	}

	for _, se := range storedEvents {
		event := se.Event
		if event.StartTime == nil {
			continue
		}
		if now.Sub(*event.StartTime) >= staleAfter {
			s.log.Debug().Str("token", event.Token).Time("startTime", *event.StartTime).Msg("skipping stale event")
			continue
		}

		metadata, err := json.Marshal(map[string]interface{}{
			"token":        event.Token,
			"display_name": displayName(event),
			"section":      string(event.Section),
		})
		if err != nil {
			return fmt.Errorf("marshaling notification metadata: %s", err)
		}

		for _, offset := range offsets {
			remindAt := event.StartTime.Add(-time.Duration(offset) * time.Minute)
			if _, err := pool.Exec(ctx,
				`INSERT INTO alpha_notifications (event_id, offset_minutes, remind_at, channel, metadata)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (event_id, offset_minutes, remind_at) DO NOTHING`,
				se.ID, offset, remindAt, channel, metadata,
			); err != nil {
				return fmt.Errorf("materializing notification for event %d: %s", se.ID, err)
			}
		}
	}
	return nil
}

// FetchDueNotifications implements store.Store.
func (s *AlphaStore) FetchDueNotifications(ctx context.Context, now time.Time) ([]store.NotificationTask, error) {
	pool := s.db.Pool()
	if pool == nil {
		return nil, fmt.Errorf("database pool not initialized")
	}

	rows, err := pool.Query(ctx,
		`SELECT n.id, n.event_id, e.token, e.start_time, e.raw_time,
		        n.offset_minutes, n.channel, n.remind_at, e.details_json, n.attempts
		 FROM alpha_notifications n
		 JOIN alpha_events e ON e.id = n.event_id
		 WHERE n.status = $1 AND n.remind_at <= $2
		 ORDER BY n.remind_at ASC, n.id ASC`,
		string(store.StatusPending), now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due notifications: %s", err)
	}
	defer rows.Close()

	var tasks []store.NotificationTask
	for rows.Next() {
		var (
			task        store.NotificationTask
			detailsJSON []byte
		)
		if err := rows.Scan(
			&task.ID, &task.EventID, &task.Token, &task.EventTime, &task.RawTime,
			&task.OffsetMinutes, &task.Channel, &task.RemindAt, &detailsJSON, &task.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scanning due notification: %s", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &task.Details); err != nil {
				return nil, fmt.Errorf("unmarshaling details for notification %d: %s", task.ID, err)
			}
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due notifications: %s", err)
	}
	return tasks, nil
}

// MarkNotificationSent implements store.Store. The WHERE clause keeps the
// transition monotonic: terminal rows never change again.
func (s *AlphaStore) MarkNotificationSent(ctx context.Context, id int64, success bool, failReason string) error {
	pool := s.db.Pool()
	if pool == nil {
		return fmt.Errorf("database pool not initialized")
	}

	status := store.StatusSent
	if !success {
		status = store.StatusFailed
	}
	var reason *string
	if failReason != "" {
		truncated := truncateReason(failReason)
		reason = &truncated
	}
	if _, err := pool.Exec(ctx,
		`UPDATE alpha_notifications
		 SET status = $1,
		     sent_at = CASE WHEN $1 = 'sent' THEN now() ELSE sent_at END,
		     fail_reason = $2,
		     attempts = attempts + 1
		 WHERE id = $3 AND status = 'pending'`,
		string(status), reason, id,
	); err != nil {
		return fmt.Errorf("marking notification %d %s: %s", id, status, err)
	}
	return nil
}

// LogNotificationAttempt implements store.Store.
func (s *AlphaStore) LogNotificationAttempt(ctx context.Context, id int64, attemptNo int, endpoint string, payload, responseBody map[string]interface{}, responseCode *int) error {
	pool := s.db.Pool()
	if pool == nil {
		return fmt.Errorf("database pool not initialized")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling attempt payload: %s", err)
	}
	var bodyJSON []byte
	if responseBody != nil {
		bodyJSON, err = json.Marshal(responseBody)
		if err != nil {
			return fmt.Errorf("marshaling attempt response body: %s", err)
		}
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO alpha_notification_logs
		     (notification_id, attempt_no, endpoint, payload, response_code, response_body)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, attemptNo, endpoint, payloadJSON, responseCode, bodyJSON,
	); err != nil {
		return fmt.Errorf("appending attempt log for notification %d: %s", id, err)
	}
	return nil
}

// eventDate mirrors the collector's details date lookup ("date"/"Date").
func eventDate(details map[string]interface{}) (string, bool) {
	for _, key := range []string{"date", "Date"} {
		if value, ok := details[key]; ok && value != nil {
			if s, ok := value.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed, true
				}
				continue
			}
			return strings.TrimSpace(fmt.Sprintf("%v", value)), true
		}
	}
	return "", false
}

// firstDetailValue returns the first non-empty detail under the given keys,
// stringified, or nil when absent.
func firstDetailValue(details map[string]interface{}, keys []string) *string {
	for _, key := range keys {
		value, ok := details[key]
		if !ok || value == nil {
			continue
		}
		var s string
		switch v := value.(type) {
		case string:
			s = strings.TrimSpace(v)
		case float64:
			s = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
		default:
			s = fmt.Sprintf("%v", v)
		}
		if s != "" {
			return &s
		}
	}
	return nil
}

func displayName(event collector.Event) string {
	if v, ok := event.Details["display_name"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return event.Token
}

func truncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= failReasonMaxLen {
		return reason
	}
	return string(runes[:failReasonMaxLen])
}
