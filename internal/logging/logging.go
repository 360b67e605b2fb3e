package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const sessionLayout = "20060102_150405"

// LogFilePath names the log file of one process run: <name>.<start>.log.
func LogFilePath(logsDir, name string, sessionStart time.Time) string {
	return filepath.Join(logsDir, fmt.Sprintf("%s.%s.log", name, sessionStart.Format(sessionLayout)))
}

// OpenSessionLog creates logsDir if needed and opens the run's log file for
// appending.
func OpenSessionLog(logsDir, name string, sessionStart time.Time) (*os.File, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	path := LogFilePath(logsDir, name, sessionStart)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
