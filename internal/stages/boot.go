package stages

import (
	"context"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

// checkpoint hands control to the operator and records it in the transcript.
func checkpoint(ctx context.Context, env *Env, action Action, instruction string) error {
	if env.Operator == nil {
		return errors.Wrap(model.ErrPreconditionNotMet, instruction)
	}

	env.Session.Transcript().Note("checkpoint %s: %s", action, instruction)
	env.Logger.WithField("action", action).Info(instruction)

	err := env.Operator.Checkpoint(ctx, Checkpoint{Stage: env.stage, Action: action, Instruction: instruction})
	if err != nil {
		if errors.Is(err, model.ErrOperatorAborted) {
			return err
		}

		return errors.Wrap(model.ErrOperatorAborted, err.Error())
	}

	return nil
}

// interruptAutoboot waits for the device to print the autoboot banner and
// stops it. Missing the interrupt window is fatal: once autoboot proceeds the
// bootloader console is gone until the next power cycle.
func interruptAutoboot(ctx context.Context, env *Env) error {
	p := env.Profile

	res := env.Session.Await(ctx, "await autoboot", console.Substring(p.AutobootBanner), p.Timeouts.PowerOn)
	if !res.OK() {
		if res.Outcome == model.Aborted {
			return res.Err
		}

		return errors.Wrapf(model.ErrPreconditionNotMet, "device did not power on within %s", p.Timeouts.PowerOn)
	}

	res = env.Session.Run(ctx, session.Command{
		Name:    "interrupt autoboot",
		Text:    "",
		Success: bootloaderPrompt(p),
		Timeout: p.Timeouts.Interrupt,
	})
	if !res.OK() {
		if res.Outcome == model.Aborted {
			return res.Err
		}

		return errors.Wrap(model.ErrPreconditionNotMet, "autoboot interrupt window missed, power cycle the device and run the stage again")
	}

	return nil
}

// reachBootloader brings the device to the bootloader prompt of the on-board
// bootloader. A device already at the prompt only needs the operator to confirm it.
func reachBootloader(ctx context.Context, env *Env, confirm string) error {
	if !env.Continuation {
		state, err := env.Session.Probe(ctx)
		if err != nil {
			return err
		}

		if state == console.BootloaderPrompt {
			return checkpoint(ctx, env, Confirm, confirm)
		}
	}

	if err := checkpoint(ctx, env, PowerCycle, "Power cycle the device without holding the SD boot button"); err != nil {
		return err
	}

	return interruptAutoboot(ctx, env)
}
