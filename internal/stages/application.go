package stages

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/serialno"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

type applicationStage struct {
	steps []Step
}

// NewApplication returns the stage running the application setup script from
// the SD card, which stores the serial number and sets the root password.
func NewApplication() Stage {
	return &applicationStage{
		steps: []Step{
			shellCommand("CreateMountPoint",
				func(p *model.ConsoleProfile) string { return "mkdir -p " + p.Setup.MountPoint },
				nil),
			shellCommand("MountSDCard",
				func(p *model.ConsoleProfile) string {
					return "mount -t vfat " + p.Setup.SDDevice + " " + p.Setup.MountPoint
				},
				func(p *model.ConsoleProfile) []console.Pattern {
					return []console.Pattern{console.Substring(p.Markers.MountFailure).WithReason("SD card could not be mounted")}
				}),
			shellCommand("CopySetupScript",
				func(p *model.ConsoleProfile) string {
					return "cp " + path.Join(p.Setup.MountPoint, p.Setup.Script) + " ./"
				},
				nil),
			shellCommand("MakeSetupExecutable",
				func(p *model.ConsoleProfile) string { return "chmod +x " + p.Setup.Script },
				nil),
			&commandStep{
				name: "RunSetupScript",
				build: func(env *Env, _ Data) session.Command {
					return session.Command{
						Text:     "./" + env.Profile.Setup.Script,
						Success:  console.Substring(env.Profile.Markers.SerialRequest),
						Failures: errorPatterns(env.Profile),
						Timeout:  env.Profile.Timeouts.Setup,
					}
				},
			},
			&commandStep{
				name: "SendSerialNumber",
				build: func(env *Env, data Data) session.Command {
					return session.Command{
						Text:     data[OutputSerialNumber],
						Success:  console.Substring(env.Profile.Markers.NewPassword),
						Failures: errorPatterns(env.Profile),
						Timeout:  env.Profile.Timeouts.Setup,
					}
				},
				capture: func(env *Env, output []byte, data Data) {
					data[OutputPassphrase] = extractValue(output, env.Profile.Markers.Passphrase)
				},
				details: "serial number stored",
			},
			&commandStep{
				name: "SetRootPassword",
				build: func(env *Env, _ Data) session.Command {
					return session.Command{
						Text:     newRootPassword(&env.Application),
						Secret:   true,
						Success:  console.Substring(env.Profile.Markers.RepeatPassword),
						Failures: errorPatterns(env.Profile),
						Timeout:  env.Profile.Timeouts.Prompt,
					}
				},
			},
			&commandStep{
				name: "ConfirmRootPassword",
				build: func(env *Env, _ Data) session.Command {
					failures := append([]console.Pattern{
						console.Substring(env.Profile.Markers.PasswordMismatch).WithReason("root passwords do not match"),
					}, errorPatterns(env.Profile)...)

					return session.Command{
						Text:     newRootPassword(&env.Application),
						Secret:   true,
						Success:  shellPrompt(env.Profile),
						Failures: failures,
						Timeout:  env.Profile.Timeouts.Setup,
					}
				},
				details: "root password set",
			},
			&commandStep{
				name: "Reboot",
				build: func(env *Env, _ Data) session.Command {
					return session.Command{
						Text:    "reboot",
						Success: loginPrompt(env.Profile),
						Timeout: env.Profile.Timeouts.PowerOn + env.Profile.Timeouts.Boot,
					}
				},
				details: "device rebooted to the login prompt",
			},
		},
	}
}

func (s *applicationStage) Kind() model.StageKind {
	return model.Application
}

func (s *applicationStage) Steps() []Step {
	return s.steps
}

// Precondition: the serial number is valid and the device sits at its root
// shell. The serial number is checked before anything is sent to the device.
func (s *applicationStage) Precondition(ctx context.Context, env *Env, data Data) error {
	sn, err := serialno.FromParams(&env.Application)
	if err != nil {
		return err
	}

	if newRootPassword(&env.Application) == "" {
		return errors.Wrap(model.ErrConfig, "no root password configured")
	}

	data[OutputSerialNumber] = sn.String()

	state, err := env.Session.Probe(ctx)
	if err != nil {
		return err
	}

	if state != console.LinuxLogin && state != console.ApplicationShell {
		if err := checkpoint(ctx, env, PowerCycle, "Power cycle the device and let it boot into Linux"); err != nil {
			return err
		}

		res := env.Session.Await(ctx, "await linux",
			console.AnyOf(loginPrompt(env.Profile), shellPrompt(env.Profile)),
			env.Profile.Timeouts.PowerOn+env.Profile.Timeouts.Boot)
		if !res.OK() {
			return res.Err
		}

		state = env.Session.Matcher().Classify(res.Output)
	}

	if state == console.LinuxLogin {
		return login(ctx, env)
	}

	return nil
}

// login logs in as root, answering the password prompt when there is one.
func login(ctx context.Context, env *Env) error {
	p := env.Profile

	res := env.Session.Run(ctx, session.Command{
		Name:       "login",
		Text:       p.LoginUser,
		Success:    console.AnyOf(console.Substring(p.PasswordPrompt), shellPrompt(p)),
		Timeout:    p.Timeouts.Prompt,
		MaxRetries: p.Retries.Prompt,
	})
	if !res.OK() {
		return res.Err
	}

	if env.Session.Matcher().Classify(res.Output) == console.ApplicationShell {
		return nil
	}

	res = env.Session.Run(ctx, session.Command{
		Name:     "login password",
		Text:     env.Application.CurrentRootPassword,
		Secret:   true,
		Success:  shellPrompt(p),
		Failures: []console.Pattern{console.Substring(p.LoginFailure).WithReason("root login rejected, check the current root password")},
		Timeout:  p.Timeouts.Prompt,
	})

	return res.Err
}

func newRootPassword(p *model.ApplicationParams) string {
	if p.RootPassword != "" {
		return p.RootPassword
	}

	return p.CurrentRootPassword
}

// extractValue returns the rest of the line following marker, or "".
func extractValue(output []byte, marker string) string {
	idx := bytes.Index(output, []byte(marker))
	if marker == "" || idx < 0 {
		return ""
	}

	rest := output[idx+len(marker):]
	if end := bytes.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}

	return strings.TrimSpace(string(rest))
}
