// Package collector extracts airdrop/listing events from the upstream page.
// It merges two overlapping views of the same event set: JSON bodies
// captured from the page's API calls and the rendered DOM.
package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// Navigation retry policy: up to navigationAttempts attempts with
// exponential backoff between retryInitialInterval and retryMaxInterval.
const (
	navigationAttempts   = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 8 * time.Second
)

// toolSubstrings mark navigational/help tiles that the page renders between
// event cards; they are never real events.
var toolSubstrings = []string{"工具", "通知", "看板", "提示", "帮助", "目标", "模拟", "推特"}

// PageResult is what one navigation of the upstream page yields: the bodies
// of every captured API response plus a final HTML snapshot.
type PageResult struct {
	JSONBodies [][]byte
	HTML       string
}

// PageSession drives a browser to the upstream page. Implementations are
// expected to capture XHR/fetch responses whose URL contains "/api/" with
// status 200 and a non-empty body.
type PageSession interface {
	Navigate(ctx context.Context) (*PageResult, error)
}

// Collector turns page navigations into a deduplicated list of today's
// events. Start times are left unresolved; the watcher owns that step.
type Collector struct {
	session PageSession
	loc     *time.Location
	log     zerolog.Logger

	// retryInitial is overridable in tests to keep the backoff fast.
	retryInitial time.Duration
}

// New creates a Collector over the given session. timezone is the IANA zone
// used for today-ness checks during enrichment.
func New(session PageSession, url, timezone string) (*Collector, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %s", timezone, err)
	}
	return &Collector{
		session: session,
		loc:     loc,
		log: logger.With().
			Str("component", "collector").
			Str("url", url).
			Logger(),
		retryInitial: retryInitialInterval,
	}, nil
}

// FetchEvents navigates the page (retrying the whole navigation on failure)
// and returns the merged, deduplicated, today-only event list.
func (c *Collector) FetchEvents(ctx context.Context) ([]Event, error) {
	now := time.Now().In(c.loc)
	c.log.Info().Msg("fetch starting")

	var result *PageResult
	operation := func() error {
		res, err := c.session.Navigate(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("navigation attempt failed")
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("navigating page: %s", err)
	}

	payloads := c.decodePayloads(result.JSONBodies)
	var events []Event
	if len(payloads) > 0 {
		events = append(events, ParseJSONPayloads(payloads)...)
	}
	if result.HTML != "" {
		domEvents, err := ParseHTMLDocument(result.HTML)
		if err != nil {
			return nil, fmt.Errorf("parsing html: %s", err)
		}
		events = append(events, domEvents...)
	}

	deduped := dedupe(events)
	enriched := c.enrichAndFilter(deduped, now)
	c.log.Info().
		Int("rawEvents", len(events)).
		Int("jsonPayloads", len(payloads)).
		Int("events", len(enriched)).
		Msg("fetch complete")
	return enriched, nil
}

func (c *Collector) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = retryMaxInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, navigationAttempts-1), ctx)
}

// decodePayloads parses each captured body; top-level arrays are wrapped so
// the walker always starts from an object. Unparseable bodies are skipped.
func (c *Collector) decodePayloads(bodies [][]byte) []map[string]interface{} {
	var payloads []map[string]interface{}
	for _, body := range bodies {
		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err != nil {
			c.log.Debug().Err(err).Msg("skipping unparseable response body")
			continue
		}
		switch v := decoded.(type) {
		case map[string]interface{}:
			payloads = append(payloads, v)
		case []interface{}:
			payloads = append(payloads, map[string]interface{}{"payload": v})
		}
	}
	return payloads
}

// dedupe collapses events sharing (section, token, raw_time), preserving
// first-seen order. On collision a DOM-sourced record supersedes a
// JSON-sourced one, since the DOM rows carry richer per-row detail.
func dedupe(events []Event) []Event {
	unique := make(map[string]int, len(events))
	out := make([]Event, 0, len(events))
	for _, event := range events {
		key := rowKey(event.Section, event.Token, event.RawTime)
		idx, ok := unique[key]
		if !ok {
			unique[key] = len(out)
			out = append(out, event)
			continue
		}
		if event.Source == SourceDOM {
			out[idx] = event
		}
	}
	return out
}

// enrichAndFilter applies the date override from details, drops tool cards
// and keeps only today's events.
func (c *Collector) enrichAndFilter(events []Event, now time.Time) []Event {
	todayStr := now.Format("2006-01-02")
	filtered := make([]Event, 0, len(events))
	toolDrops, nonTodayDrops := 0, 0

	for _, event := range events {
		if event.Details == nil {
			event.Details = make(map[string]interface{})
		}
		if dateStr, ok := detailsDate(event.Details); ok {
			event.Details["date"] = dateStr
			if dateStr == todayStr {
				event.Section = SectionToday
			} else {
				event.Section = SectionUpcoming
			}
		}

		if isToolCard(event) {
			c.log.Debug().Str("token", event.Token).Msg("dropping tool card")
			toolDrops++
			continue
		}
		if event.Section != SectionToday {
			nonTodayDrops++
			continue
		}
		filtered = append(filtered, event)
	}

	c.log.Info().
		Str("today", todayStr).
		Int("kept", len(filtered)).
		Int("toolDrops", toolDrops).
		Int("nonTodayDrops", nonTodayDrops).
		Msg("filter summary")
	return filtered
}

// detailsDate returns the normalized details date ("date" or "Date" key)
// when present and non-empty.
func detailsDate(details map[string]interface{}) (string, bool) {
	for _, key := range []string{"date", "Date"} {
		if value, ok := details[key]; ok && value != nil {
			if s := strings.TrimSpace(stringifyValue(value)); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func isToolCard(event Event) bool {
	for _, keyword := range toolSubstrings {
		if strings.Contains(event.Token, keyword) {
			return true
		}
	}
	if event.Details == nil {
		return false
	}
	if _, ok := event.Details["tool"]; ok {
		return true
	}
	if _, ok := event.Details["工具"]; ok {
		return true
	}
	for _, line := range detailLines(event.Details) {
		for _, keyword := range toolSubstrings {
			if strings.Contains(line, keyword) {
				return true
			}
		}
	}
	return false
}

// detailLines extracts details["lines"] whether it came from the DOM parser
// ([]string) or from a JSON round-trip ([]interface{}).
func detailLines(details map[string]interface{}) []string {
	switch lines := details["lines"].(type) {
	case []string:
		return lines
	case []interface{}:
		out := make([]string, 0, len(lines))
		for _, line := range lines {
			if s, ok := line.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
