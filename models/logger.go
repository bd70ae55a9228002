package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogLine is one line of captured job output, tagged with the stream
// it came from.
type LogLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// JobLogger persists job output as JSON lines, one file per job under
// the run's log directory.
type JobLogger struct {
	file    *os.File
	encoder *json.Encoder
}

func NewJobLogger(baseDir, runID, job string) (*JobLogger, error) {
	dir := filepath.Join(baseDir, Normalize(runID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	file, err := os.Create(LogFilePath(baseDir, runID, job))
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir, runID, job string) string {
	return filepath.Join(baseDir, Normalize(runID), fmt.Sprintf("%s.log", Normalize(job)))
}

func OpenLogFile(baseDir, runID, job string) (*os.File, error) {
	file, err := os.Open(LogFilePath(baseDir, runID, job))
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return file, nil
}

func (l *JobLogger) Close() error {
	return l.file.Close()
}

// Stdout returns a writer that records lines as stdout output.
func (l *JobLogger) Stdout() io.Writer {
	return &jsonWriter{logger: l, stream: "stdout"}
}

// Stderr returns a writer that records lines as stderr output.
func (l *JobLogger) Stderr() io.Writer {
	return &jsonWriter{logger: l, stream: "stderr"}
}

type jsonWriter struct {
	logger *JobLogger
	stream string
}

func (w *jsonWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	err := w.logger.encoder.Encode(LogLine{
		Stream: w.stream,
		Data:   line,
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
