// Package notifier delivers reminders to a Spug-compatible push endpoint.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
)

// Retry policy for a single logical send: three HTTP tries total.
const (
	sendAttempts         = 3
	retryInitialInterval = time.Second
	retryMaxInterval     = 8 * time.Second
)

const maxResponseBody = 1 << 16

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config carries the push endpoint parameters. At least one route must be
// configured: a per-user xsend id, or a template id with explicit targets.
type Config struct {
	BaseURL        string
	Token          string
	TimeoutSeconds int
	Channel        string
	QuietChannel   string
	XsendUserID    string
	TemplateID     string
	Targets        []string
	Proxy          string
}

// Reminder is one notification about to be pushed.
type Reminder struct {
	Event         collector.Event
	OffsetMinutes *int
	TriggerTime   time.Time
	Reason        string
}

// Result records the request that was ultimately accepted by the endpoint.
// Endpoint is the route label ("/xsend" or "/send"), not the full URL.
type Result struct {
	Endpoint     string
	Payload      map[string]interface{}
	StatusCode   *int
	ResponseBody map[string]interface{}
}

// SpugError is a send failure carrying whatever the endpoint answered.
type SpugError struct {
	StatusCode int
	Body       string
	Msg        string
}

func (e *SpugError) Error() string {
	return e.Msg
}

// SpugNotifier pushes reminders over HTTP with bounded retry.
type SpugNotifier struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	// retryInitial lets tests shrink the backoff to keep retries fast.
	retryInitial time.Duration
}

// New validates the configuration and returns a notifier. An endpoint with
// no usable route is a startup error, not a per-send one.
func New(cfg Config) (*SpugNotifier, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is empty")
	}
	if cfg.XsendUserID == "" && (cfg.TemplateID == "" || len(cfg.Targets) == 0) {
		return nil, fmt.Errorf("no push route configured: set an xsend user id, or a template id with targets")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %s", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &SpugNotifier{
		cfg: cfg,
		client: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: transport,
		},
		log: logger.With().
			Str("component", "notifier").
			Logger(),
		retryInitial: retryInitialInterval,
	}, nil
}

// Send pushes one reminder. When quietMode is set and a quiet channel is
// configured, the reminder goes out on that channel instead of the default
// one. Transport and HTTP-level failures are retried up to the attempt
// budget; the returned error is the last failure.
func (s *SpugNotifier) Send(ctx context.Context, reminder Reminder, quietMode bool) (*Result, error) {
	channel := s.cfg.Channel
	quietOverride := quietMode && s.cfg.QuietChannel != "" && s.cfg.QuietChannel != s.cfg.Channel
	if quietOverride {
		channel = s.cfg.QuietChannel
	}

	title := s.buildTitle(reminder)
	content := s.buildContent(reminder, quietMode, channel)

	var endpoint, route string
	var payload map[string]interface{}
	if s.cfg.XsendUserID != "" {
		route = "/xsend"
		endpoint = fmt.Sprintf("%s/xsend/%s", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.XsendUserID)
		payload = map[string]interface{}{
			"title":   title,
			"content": content,
			"channel": channel,
		}
	} else {
		route = "/send"
		endpoint = fmt.Sprintf("%s/send/%s", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.TemplateID)
		payload = map[string]interface{}{
			"targets": s.cfg.Targets,
			"title":   title,
			"content": content,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling push payload: %s", err)
	}

	var result *Result
	operation := func() error {
		res, err := s.post(ctx, endpoint, route, body)
		if err != nil {
			return err
		}
		res.Payload = payload
		result = res
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInitial
	bo.MaxInterval = retryMaxInterval
	bo.Multiplier = 2
	if err := backoff.Retry(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, sendAttempts-1), ctx),
	); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("token", reminder.Event.Token).
		Str("channel", channel).
		Str("endpoint", endpoint).
		Msg("reminder pushed")
	return result, nil
}

// post performs one HTTP try. The route label ("/xsend" or "/send") is what
// the attempt log records, keeping success rows symmetric with "/error" ones.
func (s *SpugNotifier) post(ctx context.Context, endpoint, route string, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building push request: %s", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Token %s", s.cfg.Token))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &SpugError{Msg: fmt.Sprintf("push request failed: %s", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &SpugError{
			StatusCode: resp.StatusCode,
			Msg:        fmt.Sprintf("reading push response: %s", err),
		}
	}
	if resp.StatusCode >= 300 {
		return nil, &SpugError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Msg: fmt.Sprintf("%s failed: %d %s",
				strings.TrimPrefix(route, "/"), resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	statusCode := resp.StatusCode
	result := &Result{
		Endpoint:   route,
		StatusCode: &statusCode,
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		result.ResponseBody = decoded
	} else if len(respBody) > 0 {
		result.ResponseBody = map[string]interface{}{"raw": string(respBody)}
	}
	return result, nil
}

func (s *SpugNotifier) buildTitle(reminder Reminder) string {
	if reminder.Event.StartTime == nil {
		return fmt.Sprintf("[Alpha] %s", reminder.Event.Token)
	}
	return fmt.Sprintf("[Alpha] %s %s",
		reminder.Event.Token, reminder.Event.StartTime.Format("2006-01-02 15:04"))
}

// buildContent renders the reminder body. Detail keys already surfaced in a
// dedicated line are skipped; the rest print sorted for stable output.
func (s *SpugNotifier) buildContent(reminder Reminder, quietMode bool, channel string) string {
	event := reminder.Event
	lines := []string{fmt.Sprintf("Section: %s", event.Section)}
	if event.StartTime != nil {
		lines = append(lines, fmt.Sprintf("Start: %s", event.StartTime.Format("2006-01-02 15:04 MST")))
	} else {
		raw := event.RawTime
		if strings.TrimSpace(raw) == "" {
			raw = "TBA"
		}
		lines = append(lines, fmt.Sprintf("Time: %s", raw))
	}
	if reminder.OffsetMinutes != nil {
		lines = append(lines, fmt.Sprintf("Reminder: T-%d min", *reminder.OffsetMinutes))
	}
	// The quiet line goes out whenever quiet hours are in effect, whether or
	// not a dedicated quiet channel took over.
	if quietMode {
		lines = append(lines, fmt.Sprintf("Quiet hours: fallback channel %s", channel))
	}

	skip := map[string]struct{}{
		"section": {}, "channel": {}, "display_name": {},
	}
	keys := make([]string, 0, len(event.Details))
	for key := range event.Details {
		if _, ok := skip[strings.ToLower(key)]; ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		// Only scalar details belong in the message body.
		switch value := event.Details[key].(type) {
		case string:
			lines = append(lines, fmt.Sprintf("%s: %s", key, value))
		case int:
			lines = append(lines, fmt.Sprintf("%s: %d", key, value))
		case float64:
			lines = append(lines, fmt.Sprintf("%s: %s", key, strconv.FormatFloat(value, 'f', -1, 64)))
		}
	}
	return strings.Join(lines, "\n")
}
