package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/metal-toolbox/sbcflash/internal/channel"
	"github.com/metal-toolbox/sbcflash/internal/configuration"
	"github.com/metal-toolbox/sbcflash/internal/device"
	"github.com/metal-toolbox/sbcflash/internal/log"
	"github.com/metal-toolbox/sbcflash/internal/metrics"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/orchestrator"
	"github.com/metal-toolbox/sbcflash/internal/profiling"
	"github.com/metal-toolbox/sbcflash/internal/publish"
	"github.com/metal-toolbox/sbcflash/internal/version"
)

var errRunFailed = errors.New("provisioning run did not succeed")

func runStages(ctx context.Context, args *model.Args, kinds ...model.StageKind) error {
	log.InitLogger()

	config, err := configuration.Load(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	log.SetLevel(config.LogLevel)
	slog.Debug("Configuration loaded", config.AsLogFields()...)

	// stdout belongs to the operator prompts
	logger := log.NewLogrusLogger(config.LogLevel, os.Stderr)
	otel.SetLogger(log.NewLogr(logger))

	if config.MetricsAddress != "" {
		metrics.ListenAndServe(config.MetricsAddress)
		version.ExportBuildInfoMetric()
	}

	if config.EnableProfiling {
		server := profiling.Enable(config.ProfilingAddress)
		defer server.Close()
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	defer otelShutdown(ctx)

	v, err := version.Current().AsMap()
	if err != nil {
		return err
	}

	loggerEntry := logger.WithFields(v)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(termChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel the context when we receive a termination signal.
	go func() {
		select {
		case s := <-termChan:
			slog.Info("Received signal for termination, aborting run...", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	orch, cleanup, err := newOrchestrator(config, loggerEntry)
	defer cleanup()

	if err != nil {
		slog.Error("Failed to set up the run", "error", err)
		return err
	}

	report, err := orch.Run(ctx, kinds...)
	if err != nil {
		slog.Error("Run did not start", "error", err)
		return err
	}

	report.Print(os.Stdout)

	if !report.OK() {
		return errors.Wrap(errRunFailed, string(report.Outcome()))
	}

	return nil
}

// newOrchestrator wires the publishers, the transcript file and either the
// serial port or the simulated board. cleanup is always safe to call.
func newOrchestrator(config *configuration.Configuration, logger *logrus.Entry) (*orchestrator.Orchestrator, func(), error) {
	var closers []func()

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	publishers := publish.Multi{publish.NewLogPublisher(logger)}

	if config.NatsConfig.URL != "" {
		np, err := publish.NewNatsPublisher(config.NatsConfig, logger)
		if err != nil {
			return nil, cleanup, err
		}

		closers = append(closers, np.Close)
		publishers = append(publishers, np)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithPublisher(publishers),
		orchestrator.WithProfile(*config.Console),
		orchestrator.WithImages(*config.Images),
		orchestrator.WithApplication(*config.Application),
	}

	if config.TranscriptFile != "" {
		fh, err := os.OpenFile(config.TranscriptFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, cleanup, errors.Wrap(model.ErrConfig, err.Error())
		}

		closers = append(closers, func() {
			if err := fh.Close(); err != nil {
				logger.WithError(err).Warn("closing transcript file")
			}
		})

		opts = append(opts, orchestrator.WithTranscriptMirror(fh))
	}

	chOpts := []channel.Option{
		channel.WithLineEnding(config.Console.LineEnding),
		channel.WithLogger(logger),
	}

	if config.DryRun {
		devOpts := device.DefaultOptions()
		devOpts.SDCard = *config.Images

		dev := device.New(*config.Console, devOpts)
		open := func() (*channel.Channel, error) {
			return channel.New(dev, chOpts...), nil
		}

		logger.Warn("dry run, driving a simulated board")

		return orchestrator.New(open, orchestrator.NewDryRunOperator(dev, os.Stdout), opts...), cleanup, nil
	}

	open := func() (*channel.Channel, error) {
		return channel.Open(config.Port, chOpts...)
	}

	operator := orchestrator.NewTerminalOperator(os.Stdin, os.Stdout, config.AssumeYes)

	return orchestrator.New(open, operator, opts...), cleanup, nil
}
