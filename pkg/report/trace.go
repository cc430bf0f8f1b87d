package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/droid-agent/pkg/logger"
)

// Trace accumulates everything a run produces before it is written out.
// It is safe for concurrent use; the recorder goroutines log through it too.
type Trace struct {
	mu       sync.Mutex
	runID    string
	out      io.Writer
	start    time.Time
	events   []Event
	substeps []SubGoalResult
	errors   []string
	lines    []string
	executed int
}

// NewTrace creates a trace whose log lines are echoed to out (nil discards).
func NewTrace(out io.Writer) *Trace {
	if out == nil {
		out = io.Discard
	}
	return &Trace{
		runID: uuid.NewString(),
		out:   out,
		start: time.Now(),
	}
}

// RunID identifies this run in summary.json and the Allure export.
func (t *Trace) RunID() string {
	return t.runID
}

// Log records a progress line, echoes it and forwards it to the file logger.
func (t *Trace) Log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)

	t.mu.Lock()
	t.lines = append(t.lines, line)
	fmt.Fprintln(t.out, line)
	t.mu.Unlock()

	logger.Info("%s", line)
}

// AddEvent appends a timeline event.
func (t *Trace) AddEvent(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

// AddSubGoal appends the outcome of a finished sub-goal.
func (t *Trace) AddSubGoal(r SubGoalResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.substeps = append(t.substeps, r)
}

// AddError records a run-level failure. Any error makes the run fail.
func (t *Trace) AddError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, msg)
	logger.Error("%s", msg)
}

// SetExecuted stores the number of turns (agent) or steps (deterministic) run.
func (t *Trace) SetExecuted(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executed = n
}

func (t *Trace) Executed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executed
}

func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

func (t *Trace) SubGoals() []SubGoalResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SubGoalResult(nil), t.substeps...)
}

func (t *Trace) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.errors...)
}

func (t *Trace) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// OK reports overall success: no error was recorded and every sub-goal
// succeeded. A run with neither sub-goals nor events did nothing and is not OK.
func (t *Trace) OK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.errors) > 0 || (len(t.substeps) == 0 && len(t.events) == 0) {
		return false
	}
	for _, s := range t.substeps {
		if !s.OK {
			return false
		}
	}
	return true
}

// Summary fills the run-derived fields of base: identity, outcome, errors,
// counters, sub-goal results and timing. Descriptive fields are kept.
func (t *Trace) Summary(base Summary) Summary {
	ok := t.OK()

	t.mu.Lock()
	defer t.mu.Unlock()

	base.RunID = t.runID
	base.OK = ok
	base.Result = StatusOf(ok)
	base.Errors = append([]string{}, t.errors...)
	base.Executed = t.executed
	base.Substeps = append([]SubGoalResult(nil), t.substeps...)
	base.StartTime = t.start
	base.EndTime = time.Now()
	return base
}
