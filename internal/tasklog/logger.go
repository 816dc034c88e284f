// Package tasklog owns the append-only per-task log files. Each line is one
// progress message; the final line carries the terminal summary or error.
// Files are never truncated.
package tasklog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Logger writes newline-delimited task logs under a fixed directory.
type Logger struct {
	dir string
}

// New creates a Logger rooted at dir. The directory must already exist.
func New(dir string) *Logger {
	return &Logger{dir: dir}
}

// Dir returns the log directory.
func (l *Logger) Dir() string {
	return l.dir
}

// FilePath computes the absolute log path for a task. The name embeds the task
// id, a sanitized working directory and a timestamp:
//
//	summary_<id>_<sanitized-wd>_<ts>.log
func (l *Logger) FilePath(taskID int64, workingDirectory string, t time.Time) string {
	name := fmt.Sprintf("summary_%d_%s_%s.log",
		taskID,
		sanitizeWorkingDirectory(workingDirectory),
		t.UTC().Format("20060102T150405"),
	)
	return filepath.Join(l.dir, name)
}

// Write appends one line to the given log file and flushes it. A write failure
// is logged to the server log and swallowed: progress writes must never kill a
// running task.
func (l *Logger) Write(path, line string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		slog.Error("tasklog: failed to open log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(strings.TrimRight(line, "\n") + "\n"); err != nil {
		slog.Error("tasklog: failed to append to log file", "path", path, "error", err)
		return
	}
	if err := f.Sync(); err != nil {
		slog.Warn("tasklog: failed to sync log file", "path", path, "error", err)
	}
}

func sanitizeWorkingDirectory(wd string) string {
	wd = strings.Trim(wd, "/\\")
	s := unsafePathChars.ReplaceAllString(wd, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "root"
	}
	// Keep file names bounded; the tail of the path is the telling part.
	const maxLen = 80
	if len(s) > maxLen {
		s = s[len(s)-maxLen:]
		s = strings.TrimLeft(s, "_")
	}
	return s
}
