package stages

import (
	"context"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

// Action is what the operator is asked to do at a checkpoint.
type Action string

const (
	// PowerOnSDBoot asks to power the device while holding the SD boot button.
	PowerOnSDBoot Action = "power_on_sd_boot"
	// PowerCycle asks to power cycle the device without holding any button.
	PowerCycle Action = "power_cycle"
	// Confirm asks to acknowledge a fact the console cannot show.
	Confirm Action = "confirm"
)

// Checkpoint is a point where the run waits for the operator.
type Checkpoint struct {
	Stage       model.StageKind
	Action      Action
	Instruction string
}

// Operator is the human at the bench. The device cannot power itself, so every
// power transition goes through a checkpoint.
type Operator interface {
	// Checkpoint blocks until the operator has done what was asked.
	// It returns model.ErrOperatorAborted when the operator declines.
	Checkpoint(ctx context.Context, cp Checkpoint) error
	// Notify shows an informational message.
	Notify(msg string)
}
