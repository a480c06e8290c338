package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// stderrTail bounds how much of lighthouse's stderr ends up in an error
const stderrTail = 512

// lighthouseEngine runs the Lighthouse CLI against an already running browser
type lighthouseEngine struct {
	binary string
}

func (e *lighthouseEngine) audit(ctx context.Context, url string, ep endpoint, p profile) (json.RawMessage, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, e.binary, lighthouseArgs(url, ep, p)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("lighthouse interrupted: %w", ctxErr)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("lighthouse exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String(), stderrTail))
		}

		return nil, fmt.Errorf("failed to run lighthouse: %w", err)
	}

	report := bytes.TrimSpace(stdout.Bytes())
	if len(report) == 0 {
		return nil, fmt.Errorf("lighthouse produced an empty report")
	}
	if !json.Valid(report) {
		return nil, fmt.Errorf("lighthouse produced a non-JSON report")
	}

	return json.RawMessage(report), nil
}

// lighthouseArgs builds the CLI arguments for auditing url with profile p
// through the browser on ep
func lighthouseArgs(url string, ep endpoint, p profile) []string {
	args := []string{
		url,
		"--port=" + strconv.Itoa(ep.Port),
		"--output=json",
		"--output-path=stdout",
		"--quiet",
		"--form-factor=" + p.formFactor,
		"--screenEmulation.mobile=" + strconv.FormatBool(p.screen.Mobile),
		"--screenEmulation.width=" + strconv.FormatInt(p.screen.Width, 10),
		"--screenEmulation.height=" + strconv.FormatInt(p.screen.Height, 10),
		"--screenEmulation.deviceScaleFactor=" + formatFloat(p.screen.DeviceScaleFactor),
		"--throttling.rttMs=" + formatFloat(p.throttling.RTTMs),
		"--throttling.throughputKbps=" + formatFloat(p.throttling.ThroughputKbps),
		"--throttling.cpuSlowdownMultiplier=" + formatFloat(p.throttling.CPUSlowdownMultiplier),
	}

	if p.preset != "" {
		args = append(args, "--preset="+p.preset)
	}

	if p.userAgent != "" {
		args = append(args, "--emulatedUserAgent="+p.userAgent)
	}

	return args
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// tail returns the last n bytes of s, trimmed
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}

	return s
}
