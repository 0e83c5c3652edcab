// Package session runs commands against the device console: send, await a
// matching terminator, retry on timeout.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
)

const pkgName = "internal/session"

// Conn is the serial channel a session drives.
type Conn interface {
	Write(ctx context.Context, text string) error
	ReadUntil(ctx context.Context, match func([]byte) bool, timeout time.Duration) ([]byte, bool, error)
}

// Session pairs a channel with a matcher. One session exists per run and it
// is the only writer on the channel.
type Session struct {
	conn       Conn
	matcher    *console.Matcher
	transcript *Transcript
	logger     *logrus.Entry

	probeTimeout time.Duration
	probeRetries int
}

type Option func(*Session)

func WithTranscript(t *Transcript) Option {
	return func(s *Session) {
		s.transcript = t
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithProbe sets the per attempt timeout and the number of attempts used by Probe.
func WithProbe(timeout time.Duration, attempts int) Option {
	return func(s *Session) {
		s.probeTimeout = timeout
		s.probeRetries = attempts
	}
}

func New(conn Conn, matcher *console.Matcher, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		matcher:      matcher,
		probeTimeout: time.Second,
		probeRetries: 3,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.transcript == nil {
		s.transcript = NewTranscript(nil)
	}

	if s.logger == nil {
		s.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return s
}

func (s *Session) Matcher() *console.Matcher {
	return s.matcher
}

func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Run sends the command and waits for its success or failure marker.
// A failure marker returns immediately and is never retried. A timeout re-sends
// the identical text until MaxRetries is used up.
func (s *Session) Run(ctx context.Context, cmd Command) Result {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Session.Run")
	defer span.End()

	span.SetAttributes(attribute.String("command", cmd.Name))

	le := s.logger.WithFields(logrus.Fields{"command": cmd.Name, "text": cmd.Display()})
	result := Result{Command: cmd.Name}

	evaluate := func(buf []byte) console.Verdict {
		return s.matcher.Evaluate(buf, cmd.Success, cmd.Failures)
	}

	for {
		result.Attempts++

		if !cmd.Listen {
			if err := s.conn.Write(ctx, cmd.Text); err != nil {
				return s.finish(span, le, result, err, "")
			}

			s.transcript.Sent(cmd.Display())
		}

		le.WithField("attempt", result.Attempts).Debug("awaiting response")

		buf, _, err := s.conn.ReadUntil(ctx, func(b []byte) bool {
			return evaluate(b).Result != console.Pending
		}, cmd.Timeout)

		s.transcript.Received(buf)
		result.Output = buf

		if err != nil {
			return s.finish(span, le, result, err, "")
		}

		verdict := evaluate(buf)
		switch verdict.Result {
		case console.SuccessMarker:
			s.transcript.Classified("matched " + verdict.Pattern.String())
			return s.finish(span, le, result, nil, "")
		case console.FailureMarker:
			s.transcript.Classified("failure " + verdict.Pattern.String())
			return s.finish(span, le, result, model.ErrDeviceReportedFailure, verdict.Reason())
		}

		if result.Attempts > cmd.MaxRetries {
			s.transcript.Classified("timed out after " + cmd.Timeout.String())
			return s.finish(span, le, result, model.ErrCommandTimedOut, "no response within "+cmd.Timeout.String())
		}

		s.transcript.Note("%s: no response within %s, retrying", cmd.Name, cmd.Timeout)
		le.WithField("attempt", result.Attempts).Warn("command timed out, retrying")
	}
}

func (s *Session) finish(span trace.Span, le *logrus.Entry, result Result, err error, reason string) Result {
	if err == nil {
		result.Outcome = model.Success
		le.WithField("attempts", result.Attempts).Debug("command succeeded")

		return result
	}

	result.Outcome = model.OutcomeFromError(err)
	result.Reason = reason
	result.Err = &CommandError{
		Command: result.Command,
		Outcome: result.Outcome,
		Reason:  reason,
		Err:     err,
	}

	span.SetStatus(codes.Error, result.Err.Error())
	le.WithError(result.Err).WithField("attempts", result.Attempts).Warn("command did not succeed")

	return result
}

// Probe pokes the console with a bare line ending and classifies what comes
// back, trying up to the configured number of attempts.
func (s *Session) Probe(ctx context.Context) (console.State, error) {
	state := console.Unresponsive

	for attempt := 1; attempt <= max(s.probeRetries, 1); attempt++ {
		if err := s.conn.Write(ctx, ""); err != nil {
			return state, errors.Wrap(err, "probe")
		}

		buf, _, err := s.conn.ReadUntil(ctx, func(b []byte) bool {
			c := s.matcher.Classify(b)
			return c != console.Unknown && c != console.Unresponsive
		}, s.probeTimeout)

		s.transcript.Received(buf)

		if err != nil {
			return state, errors.Wrap(err, "probe")
		}

		state = s.matcher.Classify(buf)
		if state != console.Unknown && state != console.Unresponsive {
			break
		}
	}

	s.transcript.Classified("console state " + string(state))
	s.logger.WithField("state", state).Debug("console probed")

	return state, nil
}

// Await waits for a pattern without sending anything.
func (s *Session) Await(ctx context.Context, name string, p console.Pattern, timeout time.Duration) Result {
	return s.Run(ctx, Command{Name: name, Listen: true, Success: p, Timeout: timeout})
}
