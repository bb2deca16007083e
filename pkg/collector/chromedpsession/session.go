// Package chromedpsession implements collector.PageSession on top of a
// headless Chrome instance driven through the DevTools protocol.
package chromedpsession

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/alphawatch/go-alphawatch/pkg/collector"
)

// Config tunes one navigation of the upstream page.
type Config struct {
	URL          string
	Locale       string
	WaitSelector string
	ExtraWait    time.Duration
	GotoTimeout  time.Duration
	// Proxy is an upstream proxy URL (scheme://[user:pass@]host[:port]).
	// Chrome cannot take credentials on the command line, so they are
	// stripped from the server address.
	Proxy string
}

// Session launches a fresh headless browser per navigation, captures the
// bodies of /api/ XHR and fetch responses, and snapshots the final HTML.
type Session struct {
	cfg Config
	log zerolog.Logger
}

// New returns a Session for the configured page.
func New(cfg Config) *Session {
	if cfg.GotoTimeout <= 0 {
		cfg.GotoTimeout = 60 * time.Second
	}
	return &Session{
		cfg: cfg,
		log: logger.With().
			Str("component", "chromedpsession").
			Str("url", cfg.URL).
			Logger(),
	}
}

// Navigate implements collector.PageSession.
func (s *Session) Navigate(ctx context.Context) (*collector.PageResult, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if s.cfg.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", s.cfg.Locale))
	}
	if s.cfg.Proxy != "" {
		server, authenticated, err := proxyServer(s.cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %s", err)
		}
		opts = append(opts, chromedp.ProxyServer(server))
		s.log.Info().Str("server", server).Bool("authenticated", authenticated).Msg("proxy enabled")
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, s.cfg.GotoTimeout)
	defer cancelTimeout()

	capture := &bodyCapture{}
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		if resp.Type != network.ResourceTypeXHR && resp.Type != network.ResourceTypeFetch {
			return
		}
		if !strings.Contains(resp.Response.URL, "/api/") || resp.Response.Status != 200 {
			return
		}
		// DevTools events can still fire after chromedp.Run returns; the
		// capture refuses new fetches once draining started.
		if !capture.start() {
			return
		}
		requestID := resp.RequestID
		responseURL := resp.Response.URL
		go func() {
			defer capture.finish()
			c := chromedp.FromContext(taskCtx)
			body, err := network.GetResponseBody(requestID).Do(cdp.WithExecutor(taskCtx, c.Target))
			if err != nil {
				s.log.Debug().Err(err).Str("responseURL", responseURL).Msg("fetching response body failed")
				return
			}
			if len(body) == 0 {
				return
			}
			capture.append(body)
			s.log.Info().Str("responseURL", responseURL).Msg("api response captured")
		}()
	})

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(s.cfg.URL),
	}
	if s.cfg.WaitSelector != "" {
		selector := s.cfg.WaitSelector
		waitTimeout := s.cfg.GotoTimeout / 2
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			wctx, cancel := context.WithTimeout(ctx, waitTimeout)
			defer cancel()
			if err := chromedp.WaitReady(selector).Do(wctx); err != nil {
				// Soft failure: the page may still carry usable content.
				s.log.Warn().Str("selector", selector).Msg("selector wait timed out")
			}
			return nil
		}))
	}
	if s.cfg.ExtraWait > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.ExtraWait))
	}
	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("navigating %s: %s", s.cfg.URL, err)
	}

	return &collector.PageResult{JSONBodies: capture.drain(), HTML: html}, nil
}

// bodyCapture collects response bodies fetched from concurrent DevTools
// listener callbacks. Once drain begins no new fetches may register, so the
// wait cannot race a late start.
type bodyCapture struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	bodies [][]byte
}

// start registers one in-flight body fetch. It reports false once draining
// has begun.
func (c *bodyCapture) start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *bodyCapture) finish() {
	c.wg.Done()
}

func (c *bodyCapture) append(body []byte) {
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
}

// drain stops accepting new fetches, waits for the in-flight ones and
// returns everything captured.
func (c *bodyCapture) drain() [][]byte {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	captured := make([][]byte, len(c.bodies))
	copy(captured, c.bodies)
	return captured
}

// proxyServer strips credentials from the proxy URL and reports whether any
// were present.
func proxyServer(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if parsed.Scheme == "" {
		return raw, false, nil
	}
	server := parsed.Scheme + "://" + parsed.Hostname()
	if port := parsed.Port(); port != "" {
		server += ":" + port
	}
	return server, parsed.User != nil, nil
}
