package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// CSVSource extracts URLs by reading them from a headerless CSV file
type CSVSource struct {
	inputFile string
	logger    logrus.FieldLogger
}

// NewCSVSource creates a new CSVSource instance
func NewCSVSource(inputFile string, logger logrus.FieldLogger) *CSVSource {
	return &CSVSource{inputFile: inputFile, logger: logger}
}

// Extract reads the CSV file and returns one normalized URL per row,
// taken from the first column - rows with an empty first column are
// skipped with a warning
func (s *CSVSource) Extract(ctx context.Context) ([]string, error) {
	file, err := os.Open(s.inputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1 // rows may have any number of columns
	reader.TrimLeadingSpace = true

	urls := []string{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}

		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			line, _ := reader.FieldPos(0) // blank lines are never returned as records
			s.logger.WithField("line", line).Warn("skipping row with empty first column")
			continue
		}

		urls = append(urls, normalizeURL(record[0]))
	}

	return urls, nil
}
