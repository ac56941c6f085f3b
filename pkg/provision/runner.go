package provision

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
)

// Runner executes an ordered list of provisioners sequentially,
// run-to-completion. Each step's postcondition is a precondition for the
// next, so the first failure aborts the workflow and the remaining steps are
// reported as skipped. The workflow is not transactional: steps already
// applied stay applied, and the recommended recovery is re-running the whole
// workflow, relying on each step's idempotency.
//
// Concurrent runs against the same target are not guaranteed safe: there is
// no distributed lock between invocations.
type Runner struct {
	steps []Provisioner

	clock  clockwork.Clock
	logger *logr.Logger
}

func NewRunner(steps ...Provisioner) Runner {
	return Runner{
		steps: steps,
		clock: clockwork.NewRealClock(),
	}
}

func (r Runner) WithLogger(logger logr.Logger) Runner {
	r.logger = &logger

	return r
}

func (r Runner) WithClock(clock clockwork.Clock) Runner {
	r.clock = clock

	return r
}

// Run executes every step in order. The returned report is complete even on
// failure: the failing step carries its error and any partial results, later
// steps are marked skipped.
func (r Runner) Run(ctx context.Context) (Report, error) {
	ret := Report{Steps: make([]StepStatus, 0, len(r.steps))}

	for i, step := range r.steps {
		err := ctx.Err()
		if err != nil {
			r.skipFrom(&ret, i, "context cancelled")

			return ret, err
		}

		r.logInfo(1, "Running step", "step", step.Name())

		start := r.clock.Now()

		results, err := step.Ensure(ctx)

		status := StepStatus{
			Step:     step.Name(),
			Results:  results,
			Duration: r.clock.Since(start),
			Err:      err,
		}
		ret.Steps = append(ret.Steps, status)

		if err != nil {
			provErr := AsError(err)

			r.logError(err, "Step failed", "step", step.Name(), "category", provErr.Category, "resource", provErr.Resource)
			r.skipFrom(&ret, i+1, fmt.Sprintf("step %s failed", step.Name()))

			return ret, fmt.Errorf("step %s failed: %w", step.Name(), err)
		}

		for _, result := range results {
			r.logInfo(0, "Resource ensured",
				"step", step.Name(),
				"resource", result.Resource,
				"outcome", result.Outcome,
			)
		}
	}

	return ret, nil
}

func (r Runner) skipFrom(report *Report, index int, detail string) {
	for _, step := range r.steps[index:] {
		report.Steps = append(report.Steps, StepStatus{
			Step:    step.Name(),
			Results: []Result{{Resource: step.Name(), Outcome: OutcomeSkipped, Detail: detail}},
		})
	}
}

func (r Runner) logInfo(level int, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.V(level).Info(msg, keysAndValues...)
}

func (r Runner) logError(err error, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.Error(err, msg, keysAndValues...)
}

// StepStatus is the structured result of one workflow step.
type StepStatus struct {
	Step     string
	Results  []Result
	Duration time.Duration
	Err      error
}

type Report struct {
	Steps []StepStatus
}

func (r Report) Failed() bool {
	for _, step := range r.Steps {
		if step.Err != nil {
			return true
		}
	}

	return false
}

// FailedStep returns the name of the first failing step, or "" when the run
// succeeded.
func (r Report) FailedStep() string {
	for _, step := range r.Steps {
		if step.Err != nil {
			return step.Step
		}
	}

	return ""
}

// Write renders the per-resource status report.
func (r Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "STEP\tRESOURCE\tOUTCOME\tDETAIL")

	for _, step := range r.Steps {
		for _, result := range step.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", step.Step, result.Resource, result.Outcome, result.Detail)
		}

		if step.Err != nil {
			provErr := AsError(step.Err)

			resource := provErr.Resource
			if resource == "" {
				resource = step.Step
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\t%s: %v\n", step.Step, resource, OutcomeFailed, provErr.Category, step.Err)
		}
	}

	return tw.Flush()
}
