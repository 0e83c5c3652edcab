package publish

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/sbcflash/internal/configuration"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/stages"
)

const flushTimeout = 5 * time.Second

// NatsPublisher sends stage status updates as JSON to <subject>.<stage>.
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Entry
}

// NewNatsPublisher connects to the NATS server named in the configuration.
func NewNatsPublisher(cfg *configuration.NatsConfig, logger *logrus.Entry) (*NatsPublisher, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.Wrap(model.ErrConfig, "missing parameter: nats.url")
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	opts := []nats.Option{
		nats.Name(model.AppName),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to nats")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = configuration.DefaultNatsSubject
	}

	return &NatsPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger.WithField("subject", subject),
	}, nil
}

// Publish never fails the run, a status that cannot be sent is logged and dropped.
func (p *NatsPublisher) Publish(_ context.Context, status *stages.StageStatus) {
	b, err := status.Marshal()
	if err != nil {
		p.logger.WithError(err).Warn("failed to marshal stage status")
		return
	}

	if err := p.conn.Publish(p.subject+"."+status.Stage, b); err != nil {
		p.logger.WithError(err).WithFields(status.AsLogFields()).Warn("failed to publish stage status")
	}
}

// Close waits until the server has received every status published so far,
// then closes the connection.
func (p *NatsPublisher) Close() {
	if err := p.conn.FlushTimeout(flushTimeout); err != nil {
		p.logger.WithError(err).Warn("stage status may not have reached nats")
	}

	p.conn.Close()
}
