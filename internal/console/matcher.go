// Package console recognizes prompts, completion markers and error markers in
// the text printed by the device. Every function in this package is pure: the
// same buffer always yields the same answer.
package console

import (
	"fmt"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

// State is the console state inferred from recent output.
type State string

const (
	Unknown          State = "unknown"
	BootloaderPrompt State = "bootloader_prompt"
	LinuxLogin       State = "linux_login"
	ApplicationShell State = "application_shell"
	Unresponsive     State = "unresponsive"
)

// DefaultWindow is how many trailing bytes Classify looks at.
const DefaultWindow = 512

// Prompts are the stable strings printed at the start of a line in each state.
type Prompts struct {
	Bootloader Pattern
	Login      Pattern
	Shell      Pattern
}

// PromptsFromProfile builds line anchored prompt patterns from a console profile.
func PromptsFromProfile(p *model.ConsoleProfile) Prompts {
	return Prompts{
		Bootloader: LinePrefix(p.BootloaderPrompt),
		Login:      LinePrefix(p.LoginPrompt),
		Shell:      LinePrefix(p.ShellPrompt),
	}
}

// Matcher classifies console output. It holds no state besides its configuration.
type Matcher struct {
	prompts Prompts
	window  int
}

func NewMatcher(prompts Prompts) *Matcher {
	return &Matcher{prompts: prompts, window: DefaultWindow}
}

// Prompt returns the prompt pattern of a state, the zero Pattern for the others.
func (m *Matcher) Prompt(state State) Pattern {
	switch state {
	case BootloaderPrompt:
		return m.prompts.Bootloader
	case LinuxLogin:
		return m.prompts.Login
	case ApplicationShell:
		return m.prompts.Shell
	default:
		return Pattern{}
	}
}

// Classify returns the state whose prompt occurs latest within the trailing window.
func (m *Matcher) Classify(buf []byte) State {
	if len(buf) == 0 {
		return Unresponsive
	}

	from := len(buf) - m.window
	if from < 0 {
		from = 0
	}

	state, best := Unknown, -1

	for _, candidate := range []State{BootloaderPrompt, LinuxLogin, ApplicationShell} {
		idx, _ := m.Prompt(candidate).LastIndex(buf)
		if idx < from || idx <= best {
			continue
		}

		state, best = candidate, idx
	}

	return state
}

// Matches reports whether the pattern occurs in buf.
func (m *Matcher) Matches(buf []byte, p Pattern) bool {
	idx, _ := p.Index(buf)
	return idx >= 0
}

// Result is the kind of marker Evaluate found.
type Result uint8

const (
	Pending Result = iota
	SuccessMarker
	FailureMarker
)

// Verdict describes the first marker found in a buffer.
type Verdict struct {
	Result  Result
	Pattern Pattern
	Offset  int
}

// Reason describes a failure verdict for operators.
func (v Verdict) Reason() string {
	if v.Result != FailureMarker {
		return ""
	}

	if v.Pattern.Reason != "" {
		return v.Pattern.Reason
	}

	return fmt.Sprintf("console reported %s", v.Pattern)
}

// Evaluate scans buf left to right and returns the first success or failure
// marker encountered. A failure printed before a success wins and vice versa.
// When both start at the same offset the failure wins. A Then success counts
// from its head but stays pending until its tail is printed.
func (m *Matcher) Evaluate(buf []byte, success Pattern, failures []Pattern) Verdict {
	verdict := Verdict{Result: Pending, Offset: -1}

	for _, f := range failures {
		idx, matched := f.Index(buf)
		if idx < 0 {
			continue
		}

		if verdict.Offset < 0 || idx < verdict.Offset {
			verdict = Verdict{Result: FailureMarker, Pattern: matched, Offset: idx}
		}
	}

	idx, matched := success.Index(buf)
	if idx >= 0 && (verdict.Offset < 0 || idx < verdict.Offset) {
		return Verdict{Result: SuccessMarker, Pattern: matched, Offset: idx}
	}

	// a success marker printed before the failure is still owed its tail
	if idx < 0 && verdict.Result == FailureMarker && success.Kind == KindThen && !success.IsZero() {
		if head, _ := success.Any[0].Index(buf); head >= 0 && head < verdict.Offset {
			return Verdict{Result: Pending, Offset: -1}
		}
	}

	return verdict
}
