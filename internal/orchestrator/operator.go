package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/sbcflash/internal/device"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/stages"
)

// TerminalOperator prompts the operator on a terminal. Enter acknowledges a
// checkpoint, "q" or "n" aborts the run.
type TerminalOperator struct {
	out       io.Writer
	assumeYes bool

	once  sync.Once
	in    io.Reader
	lines chan string
}

func NewTerminalOperator(in io.Reader, out io.Writer, assumeYes bool) *TerminalOperator {
	return &TerminalOperator{
		in:        in,
		out:       out,
		assumeYes: assumeYes,
	}
}

// readLines feeds lines from the terminal to the lines channel. It is started
// once and outlives cancelled checkpoints, a blocked read cannot be interrupted.
func (t *TerminalOperator) readLines() {
	t.lines = make(chan string)

	go func() {
		defer close(t.lines)

		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			t.lines <- scanner.Text()
		}
	}()
}

func (t *TerminalOperator) Checkpoint(ctx context.Context, cp stages.Checkpoint) error {
	fmt.Fprintf(t.out, "\n[%s] %s\n", cp.Stage, cp.Instruction)

	if t.assumeYes {
		fmt.Fprintln(t.out, "(continuing, --yes given)")
		return nil
	}

	fmt.Fprint(t.out, "Press Enter when done, q to abort: ")

	t.once.Do(t.readLines)

	select {
	case <-ctx.Done():
		return errors.Wrap(model.ErrOperatorAborted, ctx.Err().Error())
	case line, ok := <-t.lines:
		if !ok {
			return errors.Wrap(model.ErrOperatorAborted, "input closed")
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "q", "n", "no", "quit":
			return errors.Wrap(model.ErrOperatorAborted, "declined at "+string(cp.Action))
		default:
			return nil
		}
	}
}

func (t *TerminalOperator) Notify(msg string) {
	fmt.Fprintf(t.out, ">> %s\n", msg)
}

// DryRunOperator stands in for the operator when the run drives the
// simulated device: checkpoints are carried out on the device directly.
type DryRunOperator struct {
	dev *device.Device
	out io.Writer
}

func NewDryRunOperator(dev *device.Device, out io.Writer) *DryRunOperator {
	if out == nil {
		out = io.Discard
	}

	return &DryRunOperator{dev: dev, out: out}
}

func (d *DryRunOperator) Checkpoint(ctx context.Context, cp stages.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(model.ErrOperatorAborted, err.Error())
	}

	fmt.Fprintf(d.out, "[%s] %s (simulated)\n", cp.Stage, cp.Instruction)

	switch cp.Action {
	case stages.PowerOnSDBoot:
		d.dev.PowerCycle(true)
	case stages.PowerCycle:
		d.dev.PowerCycle(false)
	case stages.Confirm:
	}

	return nil
}

func (d *DryRunOperator) Notify(msg string) {
	fmt.Fprintf(d.out, ">> %s (simulated)\n", msg)
}
