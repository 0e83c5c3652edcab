// Package publish reports stage status updates as a run progresses.
package publish

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/sbcflash/internal/stages"
)

// LogPublisher writes every stage status update to the logger.
type LogPublisher struct {
	logger *logrus.Entry
}

func NewLogPublisher(logger *logrus.Entry) *LogPublisher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, status *stages.StageStatus) {
	entry := p.logger.WithFields(status.AsLogFields())
	if status.ActiveStep != "" {
		entry = entry.WithField("step", status.ActiveStep)
	}

	switch status.State {
	case stages.StateFailed:
		entry.Warn("stage failed")
	case stages.StateDone:
		entry.Info("stage complete")
	case stages.StateAwaitingPrecondition:
		entry.Info("stage awaiting precondition")
	default:
		entry.Debug("stage active")
	}
}

// Multi fans a status update out to several publishers, nil entries are skipped.
type Multi []stages.Publisher

func (m Multi) Publish(ctx context.Context, status *stages.StageStatus) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, status)
		}
	}
}
