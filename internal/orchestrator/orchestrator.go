// Package orchestrator sequences the flashing stages of one provisioning run
// over a single console channel.
package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/sbcflash/internal/channel"
	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/serialno"
	"github.com/metal-toolbox/sbcflash/internal/session"
	"github.com/metal-toolbox/sbcflash/internal/stages"
)

const pkgName = "internal/orchestrator"

// Opener opens the console channel, it is called once per run and only after
// every input of the run was validated.
type Opener func() (*channel.Channel, error)

// Orchestrator runs the requested stages in order, stopping at the first stage
// that does not succeed.
type Orchestrator struct {
	open        Opener
	operator    stages.Operator
	publisher   stages.Publisher
	logger      *logrus.Entry
	mirror      io.Writer
	profile     model.ConsoleProfile
	images      model.ImageSet
	application model.ApplicationParams
}

type Option func(*Orchestrator)

func WithLogger(logger *logrus.Entry) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithPublisher(p stages.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithTranscriptMirror copies every transcript entry to w as it is recorded.
func WithTranscriptMirror(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.mirror = w
	}
}

func WithProfile(p model.ConsoleProfile) Option {
	return func(o *Orchestrator) {
		o.profile = p
	}
}

func WithImages(images model.ImageSet) Option {
	return func(o *Orchestrator) {
		o.images = images
	}
}

func WithApplication(params model.ApplicationParams) Option {
	return func(o *Orchestrator) {
		o.application = params
	}
}

func New(open Opener, operator stages.Operator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		open:     open,
		operator: operator,
		profile:  model.DefaultConsoleProfile(),
		images:   model.DefaultImageSet(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return o
}

// Run executes the given stages in canonical order. The returned error is set
// when the run could not start, stage failures are reported in the Report.
func (o *Orchestrator) Run(ctx context.Context, kinds ...model.StageKind) (*Report, error) {
	ordered, err := model.OrderStages(kinds)
	if err != nil {
		return nil, err
	}

	if len(ordered) == 0 {
		return nil, errors.Wrap(model.ErrUnknownStage, "no stage requested")
	}

	if err := o.validate(ordered); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   uuid.New(),
		Started: time.Now(),
	}

	ctx, span := otel.Tracer(pkgName).Start(ctx, "Orchestrator.Run")
	defer span.End()

	span.SetAttributes(attribute.String("run_id", report.RunID.String()))

	logger := o.logger.WithField("run_id", report.RunID.String())

	ch, err := o.open()
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := ch.Close(); err != nil {
			logger.WithError(err).Warn("closing console channel")
		}
	}()

	report.Transcript = session.NewTranscript(o.mirror)
	report.Transcript.Note("run %s on %s", report.RunID, ch.Name())

	sess := session.New(ch,
		console.NewMatcher(console.PromptsFromProfile(&o.profile)),
		session.WithTranscript(report.Transcript),
		session.WithLogger(logger),
		session.WithProbe(o.profile.Timeouts.Probe, o.profile.Retries.Probe),
	)

	runner := stages.NewRunner(o.publisher, report.RunID.String(), logger)

	for i, kind := range ordered {
		stage, err := stages.New(kind)
		if err != nil {
			return report, err
		}

		env := stages.Env{
			Session:      sess,
			Operator:     o.operator,
			Profile:      &o.profile,
			Images:       o.images,
			Application:  o.application,
			Logger:       logger,
			Continuation: i > 0,
		}

		result := runner.Run(ctx, stage, env)
		report.Results = append(report.Results, result)

		if pass := result.Outputs[stages.OutputPassphrase]; pass != "" {
			report.Passphrase = pass
		}

		if sn := result.Outputs[stages.OutputSerialNumber]; sn != "" {
			report.SerialNumber = sn
		}

		if !result.OK() {
			logger.WithFields(result.AsLogFields()).Warn("run stopped")
			break
		}
	}

	report.Finished = time.Now()

	return report, nil
}

// validate checks the inputs of every requested stage so a bad serial number
// or image name fails the run before anything is sent to the device.
func (o *Orchestrator) validate(kinds []model.StageKind) error {
	for _, kind := range kinds {
		switch kind {
		case model.Bootloader:
			if err := o.images.ValidateBootloader(); err != nil {
				return err
			}
		case model.Kernel:
			if err := o.images.ValidateKernel(); err != nil {
				return err
			}
		case model.Application:
			if _, err := serialno.FromParams(&o.application); err != nil {
				return err
			}

			if o.application.RootPassword == "" && o.application.CurrentRootPassword == "" {
				return errors.Wrap(model.ErrConfig, "no root password configured")
			}
		}
	}

	return nil
}
