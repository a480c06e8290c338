package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// errReportSkipped marks a profile whose audit succeeded but whose report was
// not written because another profile of the same URL failed
var errReportSkipped = errors.New("skipped")

// batchSummary reports how a batch went, with outcomes in input order
type batchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Outcomes  []auditOutcome
}

// batch audits a list of URLs with every profile and writes the reports
type batch struct {
	runner              *auditRunner
	sink                *reportSink
	profiles            []profile
	concurrency         int
	independentProfiles bool
	manifest            *manifest // optional
	progress            *Spinner  // optional
	logger              logrus.FieldLogger

	mu   sync.Mutex
	done int
}

// auditURLs audits every URL, at most concurrency at a time - a failing URL
// is logged and never stops the others
func (b *batch) auditURLs(ctx context.Context, urls []string) batchSummary {
	results := make([][]auditOutcome, len(urls))
	succeeded := make([]bool, len(urls))

	if b.progress != nil {
		b.progress.Start(fmt.Sprintf("Audited 0/%d URLs", len(urls)))
		defer b.progress.Stop()
	}

	var g errgroup.Group
	g.SetLimit(max(b.concurrency, 1))

	for i, url := range urls {
		if ctx.Err() != nil {
			b.logger.WithField("remaining", len(urls)-i).Warn("batch interrupted, skipping remaining URLs")
			break
		}

		g.Go(func() error {
			results[i], succeeded[i] = b.auditURL(ctx, url)
			b.markDone(len(urls))
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	summary := batchSummary{Total: len(urls)}
	for i := range urls {
		summary.Outcomes = append(summary.Outcomes, results[i]...)
		if succeeded[i] {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	return summary
}

// auditURL runs every profile for url and reports whether all of its
// artifacts were written
func (b *batch) auditURL(ctx context.Context, url string) ([]auditOutcome, bool) {
	logger := b.logger.WithField("url", url)

	if b.independentProfiles {
		return b.auditProfilesIndependently(ctx, url, logger)
	}

	return b.auditProfilesCoupled(ctx, url, logger)
}

// auditProfilesCoupled treats the profiles as one unit: the first failure
// skips the remaining profiles and nothing is written for the URL
func (b *batch) auditProfilesCoupled(ctx context.Context, url string, logger logrus.FieldLogger) ([]auditOutcome, bool) {
	outcomes := make([]auditOutcome, 0, len(b.profiles))
	reports := make([]json.RawMessage, 0, len(b.profiles))

	for _, p := range b.profiles {
		start := time.Now()
		report, err := b.runner.run(ctx, url, p)
		outcome := auditOutcome{URL: url, Profile: p.name, Err: err, Duration: time.Since(start)}
		if err != nil {
			// earlier profiles audited fine but their reports are discarded
			for i := range outcomes {
				outcomes[i].Err = fmt.Errorf("%w: %s audit failed", errReportSkipped, p.name)
				b.record(ctx, outcomes[i])
			}

			outcomes = append(outcomes, b.record(ctx, outcome))
			logger.WithError(err).Error("audit failed")
			return outcomes, false
		}

		outcomes = append(outcomes, outcome)
		reports = append(reports, report)
	}

	ok := true
	for i, p := range b.profiles {
		outcomes[i].Path, outcomes[i].Err = b.sink.writeReport(url, p, reports[i])
		b.record(ctx, outcomes[i])

		if outcomes[i].Err != nil {
			logger.WithError(outcomes[i].Err).WithField("profile", p.name).Error("failed to save audit")
			ok = false
		}
	}

	if ok {
		logger.Info("successfully saved desktop and mobile audits")
	}

	return outcomes, ok
}

// auditProfilesIndependently audits and writes each profile on its own, so
// a failing profile doesn't cost the others their artifact
func (b *batch) auditProfilesIndependently(ctx context.Context, url string, logger logrus.FieldLogger) ([]auditOutcome, bool) {
	outcomes := make([]auditOutcome, 0, len(b.profiles))
	ok := true

	for _, p := range b.profiles {
		start := time.Now()
		outcome := auditOutcome{URL: url, Profile: p.name}

		report, err := b.runner.run(ctx, url, p)
		if err == nil {
			outcome.Path, err = b.sink.writeReport(url, p, report)
		}
		outcome.Err = err
		outcome.Duration = time.Since(start)
		outcomes = append(outcomes, b.record(ctx, outcome))

		profileLogger := logger.WithField("profile", p.name)
		if err != nil {
			profileLogger.WithError(err).Error("audit failed")
			ok = false
			continue
		}

		profileLogger.WithField("path", outcome.Path).Info("successfully saved audit")
	}

	return outcomes, ok
}

// record stores the outcome in the manifest, if one is configured
func (b *batch) record(ctx context.Context, o auditOutcome) auditOutcome {
	if b.manifest == nil {
		return o
	}

	err := b.manifest.record(context.WithoutCancel(ctx), o)
	if err != nil {
		b.logger.WithError(err).Warn("failed to update manifest")
	}

	return o
}

func (b *batch) markDone(total int) {
	b.mu.Lock()
	b.done++
	done := b.done
	b.mu.Unlock()

	if b.progress != nil {
		b.progress.SetMessage(fmt.Sprintf("Audited %d/%d URLs", done, total))
	}
}
