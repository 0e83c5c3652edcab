package session

import (
	"fmt"
	"time"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
)

// Command is the declarative description of one console round trip.
type Command struct {
	// Name identifies the command in logs, metrics and results.
	Name string
	// Text is written followed by the line ending. It may be empty to send a bare line ending.
	Text string
	// Listen commands write nothing and only wait for output.
	Listen bool
	// Secret masks Text in logs and the transcript.
	Secret bool

	Success  console.Pattern
	Failures []console.Pattern

	Timeout time.Duration
	// MaxRetries is how many times the command is re-sent after a timeout.
	// Only idempotent commands should be given retries.
	MaxRetries int
}

// Display returns the command text as it may be logged.
func (c *Command) Display() string {
	switch {
	case c.Listen:
		return "<listen>"
	case c.Secret:
		return "********"
	default:
		return c.Text
	}
}

// Result is the outcome of running one Command.
type Result struct {
	Command  string
	Outcome  model.Outcome
	Reason   string
	Output   []byte
	Attempts int
	Err      error
}

func (r *Result) OK() bool {
	return r.Outcome == model.Success
}

// CommandError describes a command that did not succeed. It unwraps to one of
// the model sentinel errors.
type CommandError struct {
	Command string
	Outcome model.Outcome
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Err)
	}

	return fmt.Sprintf("%s: %s: %s", e.Command, e.Err, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
