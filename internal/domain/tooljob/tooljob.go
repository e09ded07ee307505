// Package tooljob defines the audit-only record of one tool invocation
// made during a loop iteration. Per the daemon's fresh-context design,
// tool-job records are not a canonical feedback channel (only a loop's
// Progress string is); they exist purely so an operator or the ipc
// interface can inspect what a loop actually did.
package tooljob

import "github.com/scottidler/loopr/internal/storage"

// Status is the lifecycle of one tool invocation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Lane classifies a tool call by the concurrency/timeout policy it runs
// under: no-net tools (file edits, greps) run with high concurrency and
// short timeouts, net tools (fetches, package installs) run with lower
// concurrency and longer timeouts, and heavy tools (builds, test suites)
// run with the least concurrency and the longest timeouts.
type Lane string

const (
	LaneNoNet Lane = "no-net"
	LaneNet   Lane = "net"
	LaneHeavy Lane = "heavy"
)

// summaryLimit bounds how much of a tool's input/output is retained
// verbatim in the audit record; longer payloads are truncated so a
// single chatty tool call cannot bloat the JSONL log.
const summaryLimit = 4096

// truncate caps s to summaryLimit bytes, matching the tool-job audit
// record's truncated-summary fields.
func truncate(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit]
}

// ToolJob records one tool call made on behalf of a loop iteration.
type ToolJob struct {
	ID           string
	LoopID       string
	Iteration    int
	ToolName     string
	Lane         Lane
	Input        string
	Output       string
	Status       Status
	ExitCode     int
	ErrorMessage string

	StartedAtMillis   int64
	CompletedAtMillis int64 // zero while Status == StatusRunning or StatusPending
}

// DurationMillis is CompletedAtMillis - StartedAtMillis, or zero if the
// job has not completed yet.
func (j *ToolJob) DurationMillis() int64 {
	if j.CompletedAtMillis == 0 {
		return 0
	}
	return j.CompletedAtMillis - j.StartedAtMillis
}

// SetInput truncates and stores the tool call's input payload.
func (j *ToolJob) SetInput(input string) { j.Input = truncate(input) }

// SetOutput truncates and stores the tool call's output payload.
func (j *ToolJob) SetOutput(output string) { j.Output = truncate(output) }

// RecordCollection implements storage.Record.
func (j *ToolJob) RecordCollection() string { return "tool_jobs" }

// RecordID implements storage.Record.
func (j *ToolJob) RecordID() string { return j.ID }

// RecordUpdatedAtMillis implements storage.Record.
func (j *ToolJob) RecordUpdatedAtMillis() int64 {
	if j.CompletedAtMillis != 0 {
		return j.CompletedAtMillis
	}
	return j.StartedAtMillis
}

// RecordIndexedFields implements storage.Record.
func (j *ToolJob) RecordIndexedFields() map[string]storage.IndexValue {
	return map[string]storage.IndexValue{
		"loop_id":   storage.StringValue(j.LoopID),
		"status":    storage.StringValue(string(j.Status)),
		"tool_name": storage.StringValue(j.ToolName),
		"lane":      storage.StringValue(string(j.Lane)),
		"iteration": storage.IntValue(int64(j.Iteration)),
	}
}

// RecordTombstone implements storage.Record.
func (j *ToolJob) RecordTombstone() bool { return false }
