// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

// Record statuses
const (
	RecordPass          = "pass"
	RecordNotApplicable = "not_applicable"
	RecordFail          = "fail"
)

// RunRecord captures the result of one benchmark case
type RunRecord struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name"`
	Status                string        `json:"status"` // "pass", "not_applicable", "fail"
	Algorithm             string        `json:"algorithm"`
	RequestedStrategy     string        `json:"requested_strategy"`
	Strategy              string        `json:"strategy,omitempty"`
	FellBack              bool          `json:"fell_back,omitempty"`
	EngineStatus          string        `json:"engine_status,omitempty"`
	Iterations            int           `json:"iterations,omitempty"`
	TransformedKernelSize int           `json:"transformed_kernel_size,omitempty"`
	WorkspaceSize         int           `json:"workspace_size,omitempty"`
	MinTime               time.Duration `json:"min_ns,omitempty"`
	MedianTime            time.Duration `json:"median_ns,omitempty"`
	MeanTime              time.Duration `json:"mean_ns,omitempty"`
	GFLOPS                float64       `json:"gflops,omitempty"`
	Error                 string        `json:"error,omitempty"`
	Timestamp             time.Time     `json:"timestamp"`
}

// RecordFromReport converts a benchmark report into a log record.
func RecordFromReport(name string, rep *Report) RunRecord {
	rec := RunRecord{
		Name:                  name,
		Algorithm:             rep.Algorithm.String(),
		RequestedStrategy:     rep.RequestedStrategy.String(),
		EngineStatus:          rep.Status.String(),
		TransformedKernelSize: rep.TransformedKernelSize,
		WorkspaceSize:         rep.WorkspaceSize,
	}
	if rep.Outcome == OutcomeNotApplicable {
		rec.Status = RecordNotApplicable
		return rec
	}
	rec.Status = RecordPass
	rec.Strategy = rep.Strategy.String()
	rec.FellBack = rep.FellBack
	rec.Iterations = len(rep.Times)
	rec.MinTime = rep.MinTime()
	rec.MedianTime = rep.MedianTime()
	rec.MeanTime = rep.MeanTime()
	rec.GFLOPS = rep.GFLOPS()
	return rec
}

// BenchmarkLogger writes run records of one session to a JSON file.
type BenchmarkLogger struct {
	mu          sync.Mutex
	results     []RunRecord
	logDir      string
	sessionID   string
	sessionFile string
}

// NewBenchmarkLogger starts a session whose file is created in logDir.
func NewBenchmarkLogger(logDir, sessionName string) (*BenchmarkLogger, error) {
	// Create log directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	bl := &BenchmarkLogger{
		logDir:    logDir,
		sessionID: uuid.NewString(),
		sessionFile: filepath.Join(logDir,
			fmt.Sprintf("%s_%s.json", sessionName, timestamp)),
	}

	// Write initial file
	if err := bl.flush(); err != nil {
		return nil, err
	}
	return bl, nil
}

// SessionID returns the unique id of this session.
func (bl *BenchmarkLogger) SessionID() string {
	return bl.sessionID
}

// SessionFile returns the path of the session log.
func (bl *BenchmarkLogger) SessionFile() string {
	return bl.sessionFile
}

// Log appends a record and flushes the session to disk.
func (bl *BenchmarkLogger) Log(rec RunRecord) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	// UTC without the monotonic reading, so records read back compare equal.
	rec.Timestamp = time.Now().UTC().Round(0)
	bl.results = append(bl.results, rec)

	// Flush to disk immediately to avoid losing data on crash
	return bl.flush()
}

// LogFailure records a fatal error for the named case.
func (bl *BenchmarkLogger) LogFailure(name string, opts Options, err error) error {
	return bl.Log(RunRecord{
		Name:              name,
		Status:            RecordFail,
		Algorithm:         opts.Algorithm,
		RequestedStrategy: opts.TransformStrategy,
		Error:             err.Error(),
	})
}

// Records returns a copy of the records logged so far.
func (bl *BenchmarkLogger) Records() []RunRecord {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return append([]RunRecord(nil), bl.results...)
}

// flush writes results to disk
func (bl *BenchmarkLogger) flush() error {
	data, err := json.MarshalIndent(bl.results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	return os.WriteFile(bl.sessionFile, data, 0644)
}

// LatestLogFile returns the path to the most recent log file in logDir
func LatestLogFile(logDir string) (string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "*.json"))
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no log files found in %s", logDir)
	}

	// Sort by modification time to get latest
	var latest string
	var latestTime time.Time
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latest = file
			latestTime = info.ModTime()
		}
	}

	return latest, nil
}

// ReadLogFile loads the records of a session file.
func ReadLogFile(path string) ([]RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, nil
}

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	ruleStyle = lipgloss.NewStyle().Faint(true)
)

// WriteSummary prints a table of records. Colors are applied only when
// color is true.
func WriteSummary(w io.Writer, title string, records []RunRecord, color bool) {
	paint := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	rule := strings.Repeat("=", 78)
	fmt.Fprintf(w, "\nBenchmark Summary from %s:\n", title)
	fmt.Fprintln(w, paint(ruleStyle, rule))

	passed, skipped, failed := 0, 0, 0
	for _, r := range records {
		switch r.Status {
		case RecordPass:
			passed++
			line := fmt.Sprintf("✓ %-44s %12v %8.2f GFLOPS", r.Name, r.MedianTime, r.GFLOPS)
			if r.FellBack {
				line += " (fell back to compute)"
			}
			fmt.Fprintln(w, paint(passStyle, line))
		case RecordNotApplicable:
			skipped++
			fmt.Fprintln(w, paint(skipStyle, fmt.Sprintf("- %-44s not applicable: %s", r.Name, r.EngineStatus)))
		default:
			failed++
			fmt.Fprintln(w, paint(failStyle, fmt.Sprintf("✗ %-44s FAILED: %s", r.Name, r.Error)))
		}
	}

	fmt.Fprintln(w, paint(ruleStyle, rule))
	fmt.Fprintf(w, "Total: %d | Passed: %d | Not applicable: %d | Failed: %d\n",
		len(records), passed, skipped, failed)
}
