package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// settleDelay gives late LCP candidates and deferred requests time to land
// after the load event
const settleDelay = time.Second

type pageTiming struct {
	TTFB                   float64 `json:"ttfb"`
	DOMContentLoaded       float64 `json:"domContentLoaded"`
	Load                   float64 `json:"load"`
	FirstContentfulPaint   float64 `json:"firstContentfulPaint"`
	LargestContentfulPaint float64 `json:"largestContentfulPaint"`
}

type resourceStats struct {
	Requests         int     `json:"requests"`
	Failed           int     `json:"failed"`
	TrackingRequests int     `json:"trackingRequests"`
	TransferBytes    float64 `json:"transferBytes"`
}

type profileSummary struct {
	Name       string     `json:"name"`
	FormFactor string     `json:"formFactor"`
	Screen     screen     `json:"screenEmulation"`
	Throttling throttling `json:"throttling"`
	UserAgent  string     `json:"userAgent"`
}

type chromedpReport struct {
	RequestedURL     string             `json:"requestedUrl"`
	FinalURL         string             `json:"finalUrl"`
	FetchTime        time.Time          `json:"fetchTime"`
	Profile          profileSummary     `json:"profile"`
	Timing           pageTiming         `json:"timing"`
	Metrics          map[string]float64 `json:"metrics"`
	Resources        resourceStats      `json:"resources"`
	Document         documentSummary    `json:"document"`
	ConsoleErrors    []string           `json:"consoleErrors"`
	ResponsiveIssues []string           `json:"responsiveIssues,omitempty"`
}

// chromedpEngine collects page performance data itself over CDP, for hosts
// without the Lighthouse CLI
type chromedpEngine struct {
	logger logrus.FieldLogger
}

func (e *chromedpEngine) audit(ctx context.Context, url string, ep endpoint, p profile) (json.RawMessage, error) {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, ep.URL)
	defer cancelAlloc()

	// open a new tab in the launched browser
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(e.logger.Debugf))
	defer cancelTab()

	report := chromedpReport{
		RequestedURL: url,
		FetchTime:    time.Now().UTC(),
		Profile: profileSummary{
			Name:       p.name,
			FormFactor: p.formFactor,
			Screen:     p.screen,
			Throttling: p.throttling,
			UserAgent:  p.userAgent,
		},
	}

	requests := newRequestTracker()
	chromedp.ListenTarget(tabCtx, requests.observe)

	var html string
	var metrics []*performance.Metric

	tasks := chromedp.Tasks{
		network.Enable(),
		performance.Enable(),
		emulateProfile(p),
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, script := range []string{lcpObserverScript, consoleErrorScript} {
				_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
				if err != nil {
					return err
				}
			}
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&report.FinalURL),
		chromedp.Evaluate(timingScript, &report.Timing),
		chromedp.Evaluate(`window.__console_errors || []`, &report.ConsoleErrors),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			metrics, err = performance.GetMetrics().Do(ctx)
			return err
		}),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}

	if p.screen.Mobile {
		tasks = append(tasks, chromedp.Evaluate(responsiveScript, &report.ResponsiveIssues))
	}

	err := chromedp.Run(tabCtx, tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to audit %s: %w", url, err)
	}

	report.Metrics = make(map[string]float64, len(metrics))
	for _, m := range metrics {
		report.Metrics[m.Name] = m.Value
	}

	report.Resources = requests.stats()

	report.Document, err = summarizeDocument(html)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	return data, nil
}

// emulateProfile applies the profile's screen, user agent and throttling
// to the current tab
func emulateProfile(p profile) chromedp.Tasks {
	viewportOpts := []chromedp.EmulateViewportOption{chromedp.EmulateScale(p.screen.DeviceScaleFactor)}
	if p.screen.Mobile {
		viewportOpts = append(viewportOpts, chromedp.EmulateMobile, chromedp.EmulateTouch)
	}

	return chromedp.Tasks{
		chromedp.EmulateViewport(p.screen.Width, p.screen.Height, viewportOpts...),
		emulation.SetUserAgentOverride(p.userAgent),
		network.EmulateNetworkConditions(
			false,
			p.throttling.RTTMs,
			kbpsToBytesPerSecond(p.throttling.ThroughputKbps),
			kbpsToBytesPerSecond(p.throttling.UploadThroughputKbps),
		),
		emulation.SetCPUThrottlingRate(p.throttling.CPUSlowdownMultiplier),
	}
}

func kbpsToBytesPerSecond(kbps float64) float64 {
	return kbps * 1024 / 8
}

// requestTracker counts network requests seen by a tab - events arrive on
// chromedp's listener goroutine
type requestTracker struct {
	mu       sync.Mutex
	tracked  map[network.RequestID]bool
	counters resourceStats
}

func newRequestTracker() *requestTracker {
	return &requestTracker{tracked: map[network.RequestID]bool{}}
}

func (t *requestTracker) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request == nil || isInlineResource(ev.Request.URL) || t.tracked[ev.RequestID] {
			return
		}

		t.tracked[ev.RequestID] = true
		t.counters.Requests++
		if matchesAnyPattern(ev.Request.URL, trackingPatterns) {
			t.counters.TrackingRequests++
		}
	case *network.EventLoadingFinished:
		if t.tracked[ev.RequestID] {
			t.counters.TransferBytes += ev.EncodedDataLength
		}
	case *network.EventLoadingFailed:
		if t.tracked[ev.RequestID] {
			t.counters.Failed++
		}
	}
}

func (t *requestTracker) stats() resourceStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counters
}
