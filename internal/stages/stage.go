package stages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

// keys of the values stages record in Data
const (
	OutputSerialNumber = "serial_number"
	OutputPassphrase   = "passphrase"
	OutputBootloader   = "bootloader_image"
	OutputBootImage    = "boot_image"
	OutputRootfsImage  = "rootfs_image"
	OutputRecovery     = "recovery_image"
)

// Data is shared between the steps of a stage and returned as the stage outputs.
type Data map[string]string

// Env is everything a stage needs to drive the device.
type Env struct {
	Session     *session.Session
	Operator    Operator
	Profile     *model.ConsoleProfile
	Images      model.ImageSet
	Application model.ApplicationParams
	Logger      *logrus.Entry

	// Continuation is set when the stage directly follows a successful stage of the same run.
	Continuation bool

	stage model.StageKind
}

// Stage is one of the three flashing stages.
type Stage interface {
	Kind() model.StageKind
	// Precondition brings the console to the state the first step expects,
	// involving the operator where the device must be powered by hand.
	Precondition(ctx context.Context, env *Env, data Data) error
	// Steps run in order once the precondition holds.
	Steps() []Step
}

// Step is a unit of work, multiple steps accomplish a stage.
type Step interface {
	Name() string
	Run(ctx context.Context, env *Env, data Data) (string, error)
}

// New returns the stage of the given kind.
func New(kind model.StageKind) (Stage, error) {
	switch kind {
	case model.Bootloader:
		return NewBootloader(), nil
	case model.Kernel:
		return NewKernel(), nil
	case model.Application:
		return NewApplication(), nil
	default:
		return nil, errors.Wrapf(model.ErrUnknownStage, "%d", kind)
	}
}

// Result is the terminal outcome of one stage.
type Result struct {
	Stage      model.StageKind
	Outcome    model.Outcome
	Reason     string
	FailedStep string
	Err        error
	Steps      []*StepStatus
	Outputs    Data
	Duration   time.Duration
}

func (r *Result) OK() bool {
	return r.Outcome == model.Success
}

func (r *Result) AsLogFields() logrus.Fields {
	return logrus.Fields{
		"stage":   r.Stage.String(),
		"outcome": r.Outcome,
		"reason":  r.Reason,
		"step":    r.FailedStep,
	}
}

// StepStatus has status about a step, to be reported as part of the overall stage.
type StepStatus struct {
	Step    string `json:"step"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewStepStatus(stepName, state, details string, err error) *StepStatus {
	status := &StepStatus{
		Step:    stepName,
		Status:  state,
		Details: details,
	}

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

// StageStatus is published on every state change of a stage.
type StageStatus struct {
	RunID      string        `json:"run_id"`
	Stage      string        `json:"stage"`
	State      string        `json:"state"`
	Details    string        `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	ActiveStep string        `json:"active_step,omitempty"`
	Steps      []*StepStatus `json:"steps"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (s *StageStatus) Marshal() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal stage status to json")
	}

	return b, nil
}

func (s *StageStatus) AsLogFields() logrus.Fields {
	return logrus.Fields{
		"stage":   s.Stage,
		"state":   s.State,
		"details": s.Details,
		"error":   s.Error,
	}
}

// Publisher receives stage status updates.
type Publisher interface {
	Publish(ctx context.Context, status *StageStatus)
}
