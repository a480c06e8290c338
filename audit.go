package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// auditEngine produces a structured report for a URL, using the browser
// listening on ep and the given profile
type auditEngine interface {
	audit(ctx context.Context, url string, ep endpoint, p profile) (json.RawMessage, error)
}

// newAuditEngine returns the engine selected in the config
func newAuditEngine(cfg config, logger logrus.FieldLogger) (auditEngine, error) {
	switch cfg.Engine {
	case engineLighthouse:
		return &lighthouseEngine{binary: cfg.LighthousePath}, nil
	case engineChromedp:
		return &chromedpEngine{logger: logger}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEngine, cfg.Engine)
	}
}

// auditRunner audits a single URL with a single profile in its own browser
type auditRunner struct {
	launcher browserLauncher
	engine   auditEngine
	timeout  time.Duration
	logger   logrus.FieldLogger
}

// run launches an isolated browser, hands its endpoint to the engine and
// always closes the browser before returning
func (r *auditRunner) run(ctx context.Context, url string, p profile) (json.RawMessage, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	browser, err := r.launcher.launch(ctx)
	if err != nil {
		return nil, err
	}
	defer browser.close()

	r.logger.WithFields(logrus.Fields{
		"url":     url,
		"profile": p.name,
		"port":    browser.endpoint.Port,
	}).Debug("browser launched")

	report, err := r.engine.audit(ctx, url, browser.endpoint, p)
	if err != nil {
		return nil, fmt.Errorf("failed %s audit: %w", p.name, err)
	}

	return report, nil
}
