package stages

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/metal-toolbox/sbcflash/internal/metrics"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

const pkgName = "internal/stages"

var errStageFatal = errors.New("stage fatal error, check logs for details")

// Runner runs a stage by checking its precondition and executing its steps in
// order, and reports stage status using the publisher.
type Runner struct {
	publisher Publisher
	runID     string
	logger    *logrus.Entry
}

func NewRunner(publisher Publisher, runID string, logger *logrus.Entry) *Runner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Runner{
		publisher: publisher,
		runID:     runID,
		logger:    logger,
	}
}

// stageRun is the state of one stage while it runs.
type stageRun struct {
	*Runner
	stage   Stage
	status  *StageStatus
	machine *fsm.FSM
	logger  *logrus.Entry
	started time.Time
}

// Run executes the stage and returns its result. It never panics.
func (r *Runner) Run(ctx context.Context, stage Stage, env Env) (result Result) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Runner.Run")
	defer span.End()

	span.SetAttributes(attribute.String("stage", stage.Kind().String()))

	env.stage = stage.Kind()
	if env.Logger == nil {
		env.Logger = r.logger
	}

	env.Logger = env.Logger.WithField("stage", stage.Kind().String())

	run := &stageRun{
		Runner:  r,
		stage:   stage,
		logger:  env.Logger,
		started: time.Now(),
		status: &StageStatus{
			RunID: r.runID,
			Stage: stage.Kind().String(),
			State: StateNotStarted,
		},
	}

	run.machine = newStageFSM(run.onEnter)
	run.initStepLog()

	defer func() {
		if rec := recover(); rec != nil {
			result = run.handlePanic(ctx, rec)
		}

		if !result.OK() {
			span.SetStatus(codes.Error, result.Reason)
		}

		metrics.RecordStage(stage.Kind().String(), string(result.Outcome), run.started)
	}()

	run.logger.Info("running stage")

	data := Data{}

	run.fire(ctx, eventAwait)

	if err := stage.Precondition(ctx, &env, data); err != nil {
		return run.fail(ctx, -1, data, err)
	}

	run.fire(ctx, eventStart)

	for stepID, step := range stage.Steps() {
		run.stepActive(ctx, stepID)

		details, err := step.Run(ctx, &env, data)
		if err != nil {
			return run.fail(ctx, stepID, data, err)
		}

		run.stepSucceeded(ctx, stepID, details)
	}

	run.fire(ctx, eventComplete)
	run.logger.Info("stage completed successfully")

	return Result{
		Stage:    stage.Kind(),
		Outcome:  model.Success,
		Steps:    run.status.Steps,
		Outputs:  data,
		Duration: time.Since(run.started),
	}
}

func (s *stageRun) initStepLog() {
	steps := s.stage.Steps()
	s.status.Steps = make([]*StepStatus, len(steps))

	for i, step := range steps {
		s.status.Steps[i] = NewStepStatus(step.Name(), StateNotStarted, "", nil)
	}
}

func (s *stageRun) fire(ctx context.Context, event string) {
	if err := transition(ctx, s.machine, event); err != nil {
		s.logger.WithError(err).Warn("stage state machine")
	}
}

func (s *stageRun) onEnter(ctx context.Context, state string) {
	s.status.State = state
	s.publish(ctx)
}

func (s *stageRun) stepActive(ctx context.Context, stepID int) {
	step := s.status.Steps[stepID]
	step.Status = StateRunning
	s.status.ActiveStep = step.Step

	s.logger.WithField("step", step.Step).Info("running step")
	s.publish(ctx)
}

func (s *stageRun) stepSucceeded(ctx context.Context, stepID int, details string) {
	step := NewStepStatus(s.status.Steps[stepID].Step, StateDone, details, nil)
	s.status.Steps[stepID] = step

	s.logger.WithFields(logrus.Fields{"step": step.Step, "details": details}).Info("step done")
	s.publish(ctx)
}

// fail records the failing step, -1 for the precondition, and returns the stage result.
func (s *stageRun) fail(ctx context.Context, stepID int, data Data, err error) Result {
	name := "precondition"
	if stepID >= 0 {
		name = s.status.Steps[stepID].Step
		s.status.Steps[stepID] = NewStepStatus(name, StateFailed, "", err)
	}

	reason := err.Error()

	var cerr *session.CommandError
	if errors.As(err, &cerr) && cerr.Reason != "" {
		reason = cerr.Reason
	}

	result := Result{
		Stage:      s.stage.Kind(),
		Outcome:    model.OutcomeFromError(err),
		Reason:     reason,
		FailedStep: name,
		Err:        err,
		Steps:      s.status.Steps,
		Outputs:    data,
		Duration:   time.Since(s.started),
	}

	s.status.Details = "stage failed at " + name
	s.status.Error = err.Error()
	s.fire(ctx, eventFail)

	s.logger.WithFields(result.AsLogFields()).WithError(err).Error("stage failed")

	return result
}

func (s *stageRun) handlePanic(ctx context.Context, rec any) Result {
	s.logger.WithFields(logrus.Fields{
		"rec":   fmt.Sprint(rec),
		"stack": string(debug.Stack()),
	}).Error("!!panic occurred")

	s.status.Details = "panic occurred while running stage"
	s.status.Error = errStageFatal.Error()
	s.fire(ctx, eventFail)

	return Result{
		Stage:    s.stage.Kind(),
		Outcome:  model.Failed,
		Reason:   errStageFatal.Error(),
		Err:      errStageFatal,
		Steps:    s.status.Steps,
		Duration: time.Since(s.started),
	}
}

func (s *stageRun) publish(ctx context.Context) {
	if s.publisher == nil {
		return
	}

	s.status.UpdatedAt = time.Now()
	s.publisher.Publish(ctx, s.status)
}
