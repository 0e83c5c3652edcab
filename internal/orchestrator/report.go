package orchestrator

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
	"github.com/metal-toolbox/sbcflash/internal/stages"
)

// Report is the result of one run. Results holds one entry per stage that ran,
// in order, the last one being the first stage that did not succeed.
type Report struct {
	RunID        uuid.UUID
	Started      time.Time
	Finished     time.Time
	Results      []stages.Result
	SerialNumber string
	Passphrase   string
	Transcript   *session.Transcript
}

func (r *Report) OK() bool {
	if len(r.Results) == 0 {
		return false
	}

	return r.Outcome() == model.Success
}

// Outcome of the run, that of its last stage.
func (r *Report) Outcome() model.Outcome {
	if len(r.Results) == 0 {
		return model.Failed
	}

	return r.Results[len(r.Results)-1].Outcome
}

// Print writes a human readable summary of the run.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "run %s: %s\n", r.RunID, r.Outcome())

	for i := range r.Results {
		res := &r.Results[i]

		fmt.Fprintf(w, "  %-11s %-9s %s", res.Stage, res.Outcome, res.Duration.Round(time.Millisecond))

		if !res.OK() {
			fmt.Fprintf(w, "  step %s: %s", res.FailedStep, res.Reason)
		}

		fmt.Fprintln(w)
	}

	if r.SerialNumber != "" {
		fmt.Fprintf(w, "serial number: %s\n", r.SerialNumber)
	}

	if r.Passphrase != "" {
		fmt.Fprintf(w, "passphrase:    %s\n", r.Passphrase)
	}
}
