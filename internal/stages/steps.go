package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/metrics"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

// commandStep runs a single console command built from the stage environment.
type commandStep struct {
	name  string
	build func(env *Env, data Data) session.Command
	// capture optionally extracts values from a successful command's output.
	capture func(env *Env, output []byte, data Data)
	details string
}

func (s *commandStep) Name() string {
	return s.name
}

func (s *commandStep) Run(ctx context.Context, env *Env, data Data) (string, error) {
	cmd := s.build(env, data)
	cmd.Name = s.name

	res := env.Session.Run(ctx, cmd)
	metrics.RecordCommand(env.stage.String(), s.name, string(res.Outcome), res.Attempts)

	if !res.OK() {
		return "", res.Err
	}

	if s.capture != nil {
		s.capture(env, res.Output, data)
	}

	details := s.details
	if details == "" {
		details = cmd.Display()
	}

	if res.Attempts > 1 {
		details = fmt.Sprintf("%s (after %d attempts)", details, res.Attempts)
	}

	return details, nil
}

// errorPatterns are the failure markers recognized on every command.
func errorPatterns(p *model.ConsoleProfile) []console.Pattern {
	patterns := make([]console.Pattern, 0, len(p.Errors))
	for _, e := range p.Errors {
		if e == "" {
			continue
		}

		patterns = append(patterns, console.Substring(e).WithReason("device reported: "+e))
	}

	return patterns
}

func bootloaderPrompt(p *model.ConsoleProfile) console.Pattern {
	return console.LinePrefix(p.BootloaderPrompt)
}

func shellPrompt(p *model.ConsoleProfile) console.Pattern {
	return console.LinePrefix(p.ShellPrompt)
}

func loginPrompt(p *model.ConsoleProfile) console.Pattern {
	return console.LinePrefix(p.LoginPrompt)
}

// bootloaderCommand is a command typed at the bootloader prompt that completes
// when the prompt is printed again.
func bootloaderCommand(name, text string) Step {
	return &commandStep{
		name: name,
		build: func(env *Env, _ Data) session.Command {
			return session.Command{
				Text:       text,
				Success:    bootloaderPrompt(env.Profile),
				Failures:   errorPatterns(env.Profile),
				Timeout:    env.Profile.Timeouts.Prompt,
				MaxRetries: env.Profile.Retries.Prompt,
			}
		},
	}
}

// markerThenPrompt completes on a bootloader marker once the prompt is back.
// The bootloader reads no input until then.
func markerThenPrompt(p *model.ConsoleProfile, marker string) console.Pattern {
	return console.Then(console.Substring(marker), bootloaderPrompt(p))
}

// bootloaderAwait is a command typed at the bootloader prompt that completes on
// a marker followed by the prompt.
func bootloaderAwait(name, text string, marker func(p *model.ConsoleProfile) string, timeout func(p *model.ConsoleProfile) time.Duration) Step {
	return &commandStep{
		name: name,
		build: func(env *Env, _ Data) session.Command {
			return session.Command{
				Text:     text,
				Success:  markerThenPrompt(env.Profile, marker(env.Profile)),
				Failures: errorPatterns(env.Profile),
				Timeout:  timeout(env.Profile),
			}
		},
	}
}

// shellCommand is a command typed at the root shell that completes when the prompt is printed again.
func shellCommand(name string, text func(p *model.ConsoleProfile) string, extra func(p *model.ConsoleProfile) []console.Pattern) Step {
	return &commandStep{
		name: name,
		build: func(env *Env, _ Data) session.Command {
			failures := errorPatterns(env.Profile)
			if extra != nil {
				failures = append(extra(env.Profile), failures...)
			}

			return session.Command{
				Text:     text(env.Profile),
				Success:  shellPrompt(env.Profile),
				Failures: failures,
				Timeout:  env.Profile.Timeouts.Prompt,
			}
		},
	}
}
