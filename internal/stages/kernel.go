package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

// kernelImage is one image written by the kernel stage, in write order.
type kernelImage struct {
	step    string
	role    string
	target  string
	file    func(images *model.ImageSet) string
	marker  func(p *model.ConsoleProfile) string
	timeout func(p *model.ConsoleProfile) time.Duration
	output  string
}

var kernelImages = []kernelImage{
	{
		step:    "FlashBoot",
		role:    "boot",
		target:  "linux",
		file:    func(i *model.ImageSet) string { return i.Boot },
		marker:  func(p *model.ConsoleProfile) string { return p.Markers.BootDone },
		timeout: func(p *model.ConsoleProfile) time.Duration { return p.Timeouts.Flash },
		output:  OutputBootImage,
	},
	{
		step:    "FlashRootfs",
		role:    "rootfs",
		target:  "rootfs",
		file:    func(i *model.ImageSet) string { return i.Rootfs },
		marker:  func(p *model.ConsoleProfile) string { return p.Markers.RootfsDone },
		timeout: func(p *model.ConsoleProfile) time.Duration { return p.Timeouts.Rootfs },
		output:  OutputRootfsImage,
	},
	{
		step:    "FlashRecovery",
		role:    "recovery",
		target:  "recovery",
		file:    func(i *model.ImageSet) string { return i.Recovery },
		marker:  func(p *model.ConsoleProfile) string { return p.Markers.RecoveryDone },
		timeout: func(p *model.ConsoleProfile) time.Duration { return p.Timeouts.Flash },
		output:  OutputRecovery,
	},
}

type kernelStage struct {
	steps []Step
}

// NewKernel returns the stage partitioning the on-board storage and writing
// the boot, rootfs and recovery images one after the other.
func NewKernel() Stage {
	steps := []Step{
		bootloaderCommand("SelectStorage", "setenv mmcdev 0"),
		bootloaderCommand("ResetEnvironment", "env default -a -f"),
		bootloaderAwait("PartitionStorage", "run partition_mmc_linux",
			func(p *model.ConsoleProfile) string { return p.Markers.PartitionDone },
			func(p *model.ConsoleProfile) time.Duration { return p.Timeouts.Flash }),
		bootloaderAwait("SaveEnvironment", "saveenv",
			func(p *model.ConsoleProfile) string { return p.Markers.EnvSaved },
			func(p *model.ConsoleProfile) time.Duration { return p.Timeouts.Prompt }),
		&commandStep{
			name: "ResetBootloader",
			build: func(env *Env, _ Data) session.Command {
				return session.Command{
					Text:     "reset",
					Success:  console.Substring(env.Profile.AutobootBanner),
					Failures: errorPatterns(env.Profile),
					Timeout:  env.Profile.Timeouts.PowerOn,
				}
			},
		},
		&commandStep{
			name: "InterruptAutoboot",
			build: func(env *Env, _ Data) session.Command {
				return session.Command{
					Text:    "",
					Success: bootloaderPrompt(env.Profile),
					Timeout: env.Profile.Timeouts.Interrupt,
				}
			},
		},
	}

	for i := range kernelImages {
		steps = append(steps, flashImageStep(i))
	}

	steps = append(steps,
		bootloaderCommand("SetBootCommand", "setenv bootcmd dboot linux mmc"),
		bootloaderAwait("SaveBootCommand", "saveenv",
			func(p *model.ConsoleProfile) string { return p.Markers.EnvSaved },
			func(p *model.ConsoleProfile) time.Duration { return p.Timeouts.Prompt }),
		&commandStep{
			name: "BootLinux",
			build: func(env *Env, _ Data) session.Command {
				return session.Command{
					Text:    "reset",
					Success: loginPrompt(env.Profile),
					Timeout: env.Profile.Timeouts.PowerOn + env.Profile.Timeouts.Boot,
				}
			},
			details: "device booted to the login prompt",
		},
	)

	return &kernelStage{steps: steps}
}

// flashImageStep writes the idx-th kernel image. The completion marker of any
// other image is a step mismatch: the device is not doing what was asked.
func flashImageStep(idx int) Step {
	img := kernelImages[idx]

	return &commandStep{
		name: img.step,
		build: func(env *Env, _ Data) session.Command {
			file := img.file(&env.Images)
			success := model.ForImage(img.marker(env.Profile), file)

			var failures []console.Pattern

			for j, other := range kernelImages {
				if j == idx {
					continue
				}

				marker := model.ForImage(other.marker(env.Profile), other.file(&env.Images))
				if marker == "" || marker == success {
					continue
				}

				failures = append(failures, console.Substring(marker).WithReason(
					fmt.Sprintf("step mismatch: %s image completion reported while writing the %s image", other.role, img.role)))
			}

			return session.Command{
				Text:       fmt.Sprintf("update %s mmc 1 fat %s", img.target, file),
				Success:    markerThenPrompt(env.Profile, success),
				Failures:   append(failures, errorPatterns(env.Profile)...),
				Timeout:    img.timeout(env.Profile),
				MaxRetries: env.Profile.Retries.Flash,
			}
		},
		capture: func(env *Env, _ []byte, data Data) {
			data[img.output] = img.file(&env.Images)
		},
	}
}

func (s *kernelStage) Kind() model.StageKind {
	return model.Kernel
}

func (s *kernelStage) Steps() []Step {
	return s.steps
}

// Precondition: the device sits at the prompt of the on-board bootloader,
// booted without the SD boot button held.
func (s *kernelStage) Precondition(ctx context.Context, env *Env, _ Data) error {
	if err := env.Images.ValidateKernel(); err != nil {
		return err
	}

	return reachBootloader(ctx, env,
		"The device is at the bootloader prompt, confirm it was powered on without holding the SD boot button")
}
