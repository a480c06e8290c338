package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// reportSink writes audit reports into an output directory
type reportSink struct {
	dir string
}

// prepareOutputDir removes dir and everything in it, recreates it empty and
// returns a sink writing into it - running it twice leaves the same state
func prepareOutputDir(dir string) (*reportSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("output path cannot be empty")
	}

	err := os.RemoveAll(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to remove output directory %s: %w", dir, err)
	}

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	return &reportSink{dir: dir}, nil
}

// writeReport pretty-prints report into <dir>/<base>_<profile>.json and
// returns the written path
func (s *reportSink) writeReport(url string, p profile, report json.RawMessage) (string, error) {
	var formatted bytes.Buffer
	err := json.Indent(&formatted, report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format %s report: %w", p.name, err)
	}
	formatted.WriteByte('\n')

	// the directory may have been removed while the batch was running
	err = os.MkdirAll(s.dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", s.dir, err)
	}

	path := filepath.Join(s.dir, reportFileName(url, p))
	err = os.WriteFile(path, formatted.Bytes(), 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}
