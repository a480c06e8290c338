package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeLauncher hands out fake browsers and counts how many are still open
type fakeLauncher struct {
	err      error
	launched atomic.Int32
	open     atomic.Int32
	maxOpen  atomic.Int32
}

func (l *fakeLauncher) launch(_ context.Context) (*browserHandle, error) {
	if l.err != nil {
		return nil, l.err
	}

	n := l.launched.Add(1)
	open := l.open.Add(1)
	for {
		current := l.maxOpen.Load()
		if open <= current || l.maxOpen.CompareAndSwap(current, open) {
			break
		}
	}

	return &browserHandle{
		endpoint: endpoint{Port: 9000 + int(n), URL: "ws://127.0.0.1"},
		close:    func() { l.open.Add(-1) },
	}, nil
}

// fakeEngine answers with a small JSON report unless fail says otherwise
type fakeEngine struct {
	fail  func(url string, p profile) error
	delay time.Duration

	mu    sync.Mutex
	calls []string
}

func (e *fakeEngine) audit(_ context.Context, url string, ep endpoint, p profile) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls = append(e.calls, url+" "+p.name)
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	if e.fail != nil {
		if err := e.fail(url, p); err != nil {
			return nil, err
		}
	}

	report := map[string]any{"requestedUrl": url, "profile": p.name, "port": ep.Port}
	return json.Marshal(report)
}

func newTestBatch(t *testing.T, launcher browserLauncher, engine auditEngine) (*batch, string, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	dir := filepath.Join(t.TempDir(), "results")

	sink, err := prepareOutputDir(dir)
	if err != nil {
		t.Fatalf("failed to prepare output: %v", err)
	}

	return &batch{
		runner:      &auditRunner{launcher: launcher, engine: engine, logger: logger},
		sink:        sink,
		profiles:    auditProfiles,
		concurrency: 1,
		logger:      logger,
	}, dir, hook
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}

	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	slices.Sort(names)

	return names
}

func TestBatchWritesBothProfiles(t *testing.T) {
	launcher := &fakeLauncher{}
	engine := &fakeEngine{}
	b, dir, _ := newTestBatch(t, launcher, engine)

	urls := []string{"https://example.com", "https://example.org/path"}
	summary := b.auditURLs(context.Background(), urls)

	want := []string{
		"https___example_com_desktop.json",
		"https___example_com_mobile.json",
		"https___example_org_path_desktop.json",
		"https___example_org_path_mobile.json",
	}
	if diff := cmp.Diff(want, listFiles(t, dir)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	for _, name := range want {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		if len(data) == 0 || !json.Valid(data) {
			t.Errorf("%s is not a non-empty JSON report", name)
		}
	}

	if summary.Total != 2 || summary.Succeeded != 2 || summary.Failed != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(summary.Outcomes) != 4 {
		t.Errorf("expected 4 outcomes, got %d", len(summary.Outcomes))
	}

	// one browser per audit, all closed
	if launcher.launched.Load() != 4 {
		t.Errorf("expected 4 browser launches, got %d", launcher.launched.Load())
	}
	if launcher.open.Load() != 0 {
		t.Errorf("expected all browsers closed, %d still open", launcher.open.Load())
	}

	wantCalls := []string{
		"https://example.com desktop",
		"https://example.com mobile",
		"https://example.org/path desktop",
		"https://example.org/path mobile",
	}
	if diff := cmp.Diff(wantCalls, engine.calls); diff != "" {
		t.Errorf("audit order mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchIsolatesFailingURL(t *testing.T) {
	launcher := &fakeLauncher{}
	engine := &fakeEngine{fail: func(url string, _ profile) error {
		if url == "https://broken.example" {
			return errors.New("page crashed")
		}
		return nil
	}}
	b, dir, hook := newTestBatch(t, launcher, engine)

	summary := b.auditURLs(context.Background(), []string{"https://broken.example", "https://a.com", "https://b.com"})

	want := []string{
		"https___a_com_desktop.json",
		"https___a_com_mobile.json",
		"https___b_com_desktop.json",
		"https___b_com_mobile.json",
	}
	if diff := cmp.Diff(want, listFiles(t, dir)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if launcher.open.Load() != 0 {
		t.Errorf("expected failed audits to close their browser, %d still open", launcher.open.Load())
	}

	var failed *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			failed = entry
		}
	}
	if failed == nil || failed.Data["url"] != "https://broken.example" {
		t.Errorf("expected an error entry naming the broken URL, got %+v", failed)
	}
}

func TestBatchCoupledProfilesSkipMobile(t *testing.T) {
	engine := &fakeEngine{fail: func(_ string, p profile) error {
		if p.name == "desktop" {
			return errors.New("desktop failed")
		}
		return nil
	}}
	b, dir, _ := newTestBatch(t, &fakeLauncher{}, engine)

	summary := b.auditURLs(context.Background(), []string{"https://a.com"})

	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("expected no artifacts, got %v", files)
	}
	if diff := cmp.Diff([]string{"https://a.com desktop"}, engine.calls); diff != "" {
		t.Errorf("mobile should not run after desktop failure (-want +got):\n%s", diff)
	}
	if len(summary.Outcomes) != 1 || summary.Outcomes[0].Err == nil {
		t.Errorf("expected a single failed outcome, got %+v", summary.Outcomes)
	}
}

func TestBatchCoupledProfilesWriteNothingOnMobileFailure(t *testing.T) {
	engine := &fakeEngine{fail: func(_ string, p profile) error {
		if p.name == "mobile" {
			return errors.New("mobile failed")
		}
		return nil
	}}
	b, dir, _ := newTestBatch(t, &fakeLauncher{}, engine)

	b.auditURLs(context.Background(), []string{"https://a.com"})

	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("expected no artifacts, got %v", files)
	}
}

func TestBatchIndependentProfiles(t *testing.T) {
	engine := &fakeEngine{fail: func(_ string, p profile) error {
		if p.name == "desktop" {
			return errors.New("desktop failed")
		}
		return nil
	}}
	b, dir, _ := newTestBatch(t, &fakeLauncher{}, engine)
	b.independentProfiles = true

	summary := b.auditURLs(context.Background(), []string{"https://a.com"})

	if diff := cmp.Diff([]string{"https___a_com_mobile.json"}, listFiles(t, dir)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if summary.Failed != 1 || len(summary.Outcomes) != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.Outcomes[1].Path == "" || summary.Outcomes[1].Err != nil {
		t.Errorf("expected successful mobile outcome, got %+v", summary.Outcomes[1])
	}
}

func TestBatchLaunchFailure(t *testing.T) {
	b, dir, _ := newTestBatch(t, &fakeLauncher{err: errors.New("chrome not found")}, &fakeEngine{})

	summary := b.auditURLs(context.Background(), []string{"https://a.com", "https://b.com"})

	if summary.Failed != 2 {
		t.Errorf("expected both URLs to fail, got %+v", summary)
	}
	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("expected no artifacts, got %v", files)
	}
}

func TestBatchConcurrencyLimit(t *testing.T) {
	launcher := &fakeLauncher{}
	engine := &fakeEngine{delay: 20 * time.Millisecond}
	b, dir, _ := newTestBatch(t, launcher, engine)
	b.concurrency = 2

	urls := []string{"https://a.com", "https://b.com", "https://c.com", "https://d.com", "https://e.com"}
	summary := b.auditURLs(context.Background(), urls)

	if got := launcher.maxOpen.Load(); got > 2 {
		t.Errorf("expected at most 2 browsers at once, saw %d", got)
	}
	if len(listFiles(t, dir)) != 10 {
		t.Errorf("expected 10 artifacts, got %v", listFiles(t, dir))
	}

	// outcomes stay in input order regardless of completion order
	for i, url := range urls {
		if summary.Outcomes[2*i].URL != url {
			t.Errorf("outcome %d: expected %s, got %s", 2*i, url, summary.Outcomes[2*i].URL)
		}
	}
}

func TestBatchSequentialByDefault(t *testing.T) {
	launcher := &fakeLauncher{}
	b, _, _ := newTestBatch(t, launcher, &fakeEngine{delay: 5 * time.Millisecond})

	b.auditURLs(context.Background(), []string{"https://a.com", "https://b.com", "https://c.com"})

	if got := launcher.maxOpen.Load(); got != 1 {
		t.Errorf("expected a single browser at a time, saw %d", got)
	}
}

func TestBatchCancelledContext(t *testing.T) {
	engine := &fakeEngine{}
	b, _, _ := newTestBatch(t, &fakeLauncher{}, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := b.auditURLs(ctx, []string{"https://a.com", "https://b.com"})

	if len(engine.calls) != 0 {
		t.Errorf("expected no audits after cancellation, got %v", engine.calls)
	}
	if summary.Failed != 2 {
		t.Errorf("expected skipped URLs to count as failed, got %+v", summary)
	}
}

func TestBatchRecordsManifest(t *testing.T) {
	engine := &fakeEngine{fail: func(url string, _ profile) error {
		if url == "https://broken.example" {
			return errors.New("boom")
		}
		return nil
	}}
	b, _, _ := newTestBatch(t, &fakeLauncher{}, engine)

	m, err := openManifest(context.Background(), filepath.Join(t.TempDir(), "manifest.db"), "run")
	if err != nil {
		t.Fatalf("failed to open manifest: %v", err)
	}
	defer m.Close()
	b.manifest = m

	b.auditURLs(context.Background(), []string{"https://a.com", "https://broken.example"})

	outcomes, err := m.runOutcomes(context.Background())
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}

	var got []string
	for _, o := range outcomes {
		status := "ok"
		if o.Err != nil {
			status = "failed"
		}
		got = append(got, o.URL+" "+o.Profile+" "+status)
	}

	want := []string{
		"https://a.com desktop ok",
		"https://a.com mobile ok",
		"https://broken.example desktop failed",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestAuditRunnerTimeout(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := &auditRunner{
		launcher: launcher,
		engine:   blockingEngine{},
		timeout:  10 * time.Millisecond,
		logger:   logrus.New(),
	}

	_, err := runner.run(context.Background(), "https://a.com", desktopProfile)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if launcher.open.Load() != 0 {
		t.Error("expected browser to be closed after timeout")
	}
}

// blockingEngine waits until its context is done
type blockingEngine struct{}

func (blockingEngine) audit(ctx context.Context, _ string, _ endpoint, _ profile) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBatchRecordsSkippedProfileInManifest(t *testing.T) {
	engine := &fakeEngine{fail: func(_ string, p profile) error {
		if p.name == "mobile" {
			return errors.New("mobile failed")
		}
		return nil
	}}
	b, dir, _ := newTestBatch(t, &fakeLauncher{}, engine)

	m, err := openManifest(context.Background(), filepath.Join(t.TempDir(), "manifest.db"), "run")
	if err != nil {
		t.Fatalf("failed to open manifest: %v", err)
	}
	defer m.Close()
	b.manifest = m

	summary := b.auditURLs(context.Background(), []string{"https://a.com"})

	if files := listFiles(t, dir); len(files) != 0 {
		t.Errorf("expected no artifacts, got %v", files)
	}
	if len(summary.Outcomes) != 2 {
		t.Fatalf("expected desktop and mobile outcomes, got %+v", summary.Outcomes)
	}
	if desktop := summary.Outcomes[0]; !errors.Is(desktop.Err, errReportSkipped) || desktop.Path != "" {
		t.Errorf("expected skipped desktop outcome, got %+v", desktop)
	}

	outcomes, err := m.runOutcomes(context.Background())
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}

	var got []string
	for _, o := range outcomes {
		status := "ok"
		if o.Err != nil {
			status = "failed"
		}
		got = append(got, o.URL+" "+o.Profile+" "+status)
	}

	want := []string{
		"https://a.com desktop failed",
		"https://a.com mobile failed",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}
