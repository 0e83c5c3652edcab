package model

import (
	"github.com/pkg/errors"
)

var (
	ErrConfig        = errors.New("configuration error")
	ErrUnknownStage  = errors.New("unknown stage")
	ErrInvalidImage  = errors.New("invalid image filename")
	ErrStageSequence = errors.New("stage out of sequence")

	// ErrPortUnavailable is returned when the serial channel cannot be opened.
	ErrPortUnavailable = errors.New("serial port unavailable")
	// ErrPreconditionNotMet means the operator has not brought the device into
	// the console state a stage expects.
	ErrPreconditionNotMet = errors.New("precondition not met")
	// ErrCommandTimedOut means no response matched within the command budget
	// after all retries were used.
	ErrCommandTimedOut = errors.New("command timed out")
	// ErrDeviceReportedFailure means the console printed a recognized error marker.
	ErrDeviceReportedFailure = errors.New("device reported failure")
	// ErrInvalidSerialNumber is raised by local validation before any transmission.
	ErrInvalidSerialNumber = errors.New("invalid serial number")
	// ErrOperatorAborted is returned when the run is cancelled by the operator.
	ErrOperatorAborted = errors.New("operator aborted")
)

// OutcomeFromError maps an error onto the outcome reported for a command or stage.
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrOperatorAborted):
		return Aborted
	case errors.Is(err, ErrCommandTimedOut):
		return TimedOut
	default:
		return Failed
	}
}
