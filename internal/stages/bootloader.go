package stages

import (
	"context"
	"fmt"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

type bootloaderStage struct {
	steps []Step
}

// NewBootloader returns the stage writing the bootloader image from the SD card
// to the on-board storage. The device must have booted from the SD card.
func NewBootloader() Stage {
	return &bootloaderStage{
		steps: []Step{
			&commandStep{
				name: "FlashBootloader",
				build: func(env *Env, _ Data) session.Command {
					return session.Command{
						Text:       fmt.Sprintf("update uboot mmc 1 fat %s", env.Images.Bootloader),
						Success:    console.Substring(env.Profile.Markers.BootloaderConfirm),
						Failures:   errorPatterns(env.Profile),
						Timeout:    env.Profile.Timeouts.Prompt,
						MaxRetries: env.Profile.Retries.Prompt,
					}
				},
			},
			&commandStep{
				name: "ConfirmBootloaderWrite",
				build: func(env *Env, _ Data) session.Command {
					return session.Command{
						Text: "y",
						Success: markerThenPrompt(env.Profile,
							model.ForImage(env.Profile.Markers.BootloaderDone, env.Images.Bootloader)),
						Failures: errorPatterns(env.Profile),
						Timeout:  env.Profile.Timeouts.Flash,
					}
				},
				details: "bootloader written",
			},
		},
	}
}

func (s *bootloaderStage) Kind() model.StageKind {
	return model.Bootloader
}

func (s *bootloaderStage) Steps() []Step {
	return s.steps
}

// Precondition: the device runs the bootloader from the SD card. Whether it
// booted from SD cannot be told from the console, so the operator is asked.
func (s *bootloaderStage) Precondition(ctx context.Context, env *Env, data Data) error {
	if err := env.Images.ValidateBootloader(); err != nil {
		return err
	}

	data[OutputBootloader] = env.Images.Bootloader

	state, err := env.Session.Probe(ctx)
	if err != nil {
		return err
	}

	if state == console.BootloaderPrompt {
		return checkpoint(ctx, env, Confirm, "The device is at the bootloader prompt, confirm it was powered on holding the SD boot button")
	}

	if err := checkpoint(ctx, env, PowerOnSDBoot, "Hold the SD boot button and power on the device"); err != nil {
		return err
	}

	if err := interruptAutoboot(ctx, env); err != nil {
		return err
	}

	env.Operator.Notify("Release the SD boot button")

	return nil
}
