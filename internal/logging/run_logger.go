// Package logging configures application logging and writes the
// per-run transcript log files.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RunLogger writes a human-readable transcript of one deliberation run:
// every prompt, every raw response, retries, skips and status changes.
// All methods are safe on a nil receiver, so callers can pass nil to
// disable the file.
type RunLogger struct {
	sessionID string
	out       io.Writer
	closer    io.Closer
	mutex     sync.Mutex
	startTime time.Time
	path      string
}

// StartRunLogging creates dir/run_<session>_<timestamp>.log. An empty dir
// disables run logging and returns a nil logger.
func StartRunLogging(dir, sessionID string) (*RunLogger, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	logPath := filepath.Join(dir, fmt.Sprintf("run_%s_%s.log", sessionID, timestamp))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	r := NewRunLogger(logFile, sessionID)
	r.closer = logFile
	r.path = logPath
	return r, nil
}

// NewRunLogger writes the transcript to w
func NewRunLogger(w io.Writer, sessionID string) *RunLogger {
	r := &RunLogger{
		sessionID: sessionID,
		out:       w,
		startTime: time.Now(),
	}
	r.writeHeader()
	return r
}

// Path returns the log file path, if the logger writes to a file
func (r *RunLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Log writes one timestamped line
func (r *RunLogger) Log(format string, args ...interface{}) {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.out == nil {
		return
	}

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("15:04:05.000")
	elapsed := time.Since(r.startTime).Round(time.Millisecond)
	fmt.Fprintf(r.out, "[%s] [+%v] %s\n", timestamp, elapsed, msg)

	log.Trace().Str("session_id", r.sessionID).Msg(msg)
}

// LogSection writes a section header
func (r *RunLogger) LogSection(title string) {
	if r == nil {
		return
	}
	separator := strings.Repeat("=", 80)
	r.Log("%s", separator)
	r.Log("= %s", title)
	r.Log("%s", separator)
}

// LogRequest records a prompt sent to a model
func (r *RunLogger) LogRequest(label, model, prompt string) {
	if r == nil {
		return
	}
	r.LogSection("MODEL REQUEST - " + label)
	r.Log("Model: %s", model)
	r.Log("Prompt length: %d characters", len(prompt))
	r.block("PROMPT", prompt)
}

// LogResponse records a raw model response
func (r *RunLogger) LogResponse(label, response string) {
	if r == nil {
		return
	}
	r.LogSection("MODEL RESPONSE - " + label)
	r.Log("Response length: %d characters", len(response))
	r.block("RESPONSE", response)
}

// LogError records an error with the operation it came from
func (r *RunLogger) LogError(operation string, err error) {
	if r == nil {
		return
	}
	r.Log("ERROR in %s: %v", operation, err)
}

// Close writes the footer and closes the underlying file
func (r *RunLogger) Close() {
	if r == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.out == nil {
		return
	}

	fmt.Fprintf(r.out, "[%s] [+%v] Run logging completed. Total duration: %v\n",
		time.Now().Format("15:04:05.000"),
		time.Since(r.startTime).Round(time.Millisecond),
		time.Since(r.startTime))
	if r.closer != nil {
		r.closer.Close()
	}
	r.out = nil
}

func (r *RunLogger) block(name, content string) {
	r.Log("--- %s START ---", name)
	r.mutex.Lock()
	if r.out != nil {
		io.WriteString(r.out, content+"\n")
	}
	r.mutex.Unlock()
	r.Log("--- %s END ---", name)
}

func (r *RunLogger) writeHeader() {
	fmt.Fprintf(r.out, `OPINIONSIM RUN LOG
Session ID: %s
Start Time: %s
Log Format: [HH:MM:SS.mmm] [+duration] message

`, r.sessionID, r.startTime.Format("2006-01-02 15:04:05"))
}
