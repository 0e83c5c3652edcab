// Package channel owns the serial connection to the device console.
package channel

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bugst "go.bug.st/serial"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

const (
	DefaultLineEnding   = "\r\n"
	DefaultPollInterval = 50 * time.Millisecond

	readChunkSize = 256
)

// Port is the subset of a serial port the channel needs.
// Read returns 0, nil once the read timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Channel is a line oriented view of one serial connection.
// It is not safe for concurrent use, the console accepts one command at a time.
type Channel struct {
	port       Port
	name       string
	lineEnding string
	poll       time.Duration
	logger     *logrus.Entry

	suppressEcho bool
	// echo holds the last written bytes, echoed counts those already seen back.
	echo   []byte
	echoed int
	// pending holds bytes read past the end of the last line returned by ReadLine.
	pending []byte
	closed  bool
}

type Option func(*Channel)

func WithLineEnding(ending string) Option {
	return func(c *Channel) {
		c.lineEnding = ending
	}
}

// WithPollInterval sets the upper bound of a single blocking read.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.poll = d
		}
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithEchoSuppression toggles stripping the device echo of written text.
func WithEchoSuppression(enabled bool) Option {
	return func(c *Channel) {
		c.suppressEcho = enabled
	}
}

func withName(name string) Option {
	return func(c *Channel) {
		c.name = name
	}
}

// Open opens the named serial device at 115200-8-N-1.
func Open(name string, opts ...Option) (*Channel, error) {
	if name == "" {
		return nil, errors.Wrap(model.ErrPortUnavailable, "no serial port given")
	}

	port, err := bugst.Open(name, &bugst.Mode{
		BaudRate: model.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(model.ErrPortUnavailable, "%s: %s", name, err)
	}

	return New(port, append([]Option{withName(name)}, opts...)...), nil
}

// New wraps an already open port.
func New(port Port, opts ...Option) *Channel {
	c := &Channel{
		port:         port,
		name:         "port",
		lineEnding:   DefaultLineEnding,
		poll:         DefaultPollInterval,
		suppressEcho: true,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c.logger = c.logger.WithField("port", c.name)

	return c
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) LineEnding() string {
	return c.lineEnding
}

// Write discards unread input, then sends text followed by the line ending.
// A write that has started always runs to completion, cancellation is only
// honored before the first byte goes out.
func (c *Channel) Write(ctx context.Context, text string) error {
	if c.closed {
		return errors.Wrap(model.ErrPortUnavailable, "channel closed")
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(model.ErrOperatorAborted, err.Error())
	}

	if err := c.port.ResetInputBuffer(); err != nil {
		return errors.Wrap(err, "discard stale input")
	}

	c.pending = nil
	payload := []byte(text + c.lineEnding)

	for written := 0; written < len(payload); {
		n, err := c.port.Write(payload[written:])
		if err != nil {
			return errors.Wrapf(model.ErrPortUnavailable, "write %s: %s", c.name, err)
		}

		if n == 0 {
			return errors.Wrap(io.ErrShortWrite, c.name)
		}

		written += n
	}

	c.echo, c.echoed = nil, 0
	if c.suppressEcho {
		c.echo = payload
	}

	return nil
}

// ReadUntil accumulates console output until match reports true or timeout
// elapses. A timeout is not an error: the bytes read so far are returned with
// matched set to false. Cancellation returns model.ErrOperatorAborted.
func (c *Channel) ReadUntil(ctx context.Context, match func([]byte) bool, timeout time.Duration) ([]byte, bool, error) {
	buf := c.pending
	c.pending = nil

	if len(buf) > 0 && match(buf) {
		return buf, true, nil
	}

	if c.closed {
		return buf, false, errors.Wrap(model.ErrPortUnavailable, "channel closed")
	}

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return buf, false, errors.Wrap(model.ErrOperatorAborted, err.Error())
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, false, nil
		}

		if err := c.port.SetReadTimeout(min(c.poll, remaining)); err != nil {
			return buf, false, errors.Wrap(err, "set read timeout")
		}

		n, err := c.port.Read(chunk)
		if err != nil {
			return buf, false, errors.Wrapf(model.ErrPortUnavailable, "read %s: %s", c.name, err)
		}

		if n == 0 {
			continue
		}

		data := c.stripEcho(chunk[:n])
		if len(data) == 0 {
			continue
		}

		c.logger.WithField("rx", string(data)).Trace("console output")

		buf = append(buf, data...)
		if match(buf) {
			return buf, true, nil
		}
	}
}

// ReadLine returns the next complete line without its terminator.
// Bytes after the line are kept for the following read.
func (c *Channel) ReadLine(ctx context.Context, timeout time.Duration) (string, bool, error) {
	buf, ok, err := c.ReadUntil(ctx, func(b []byte) bool { return bytes.IndexByte(b, '\n') >= 0 }, timeout)
	if err != nil || !ok {
		c.pending = buf
		return "", false, err
	}

	idx := bytes.IndexByte(buf, '\n')
	c.pending = append([]byte(nil), buf[idx+1:]...)

	return string(bytes.TrimRight(buf[:idx], "\r")), true, nil
}

// stripEcho drops the leading bytes that repeat what was last written.
// Bytes held back are returned to the caller once the output departs from
// the written text, since they were device output after all.
func (c *Channel) stripEcho(data []byte) []byte {
	if len(c.echo) == 0 {
		return data
	}

	i := 0
	for ; i < len(data) && c.echoed < len(c.echo); i++ {
		if data[i] != c.echo[c.echoed] {
			held := append([]byte(nil), c.echo[:c.echoed]...)
			c.echo, c.echoed = nil, 0

			return append(held, data[i:]...)
		}

		c.echoed++
	}

	if c.echoed == len(c.echo) {
		c.echo, c.echoed = nil, 0
	}

	return data[i:]
}

// Close releases the port. Closing twice is a no-op.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true

	if err := c.port.Close(); err != nil {
		return errors.Wrapf(err, "close %s", c.name)
	}

	return nil
}
