package session

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/sbcflash/internal/channel"
	"github.com/metal-toolbox/sbcflash/internal/console"
	"github.com/metal-toolbox/sbcflash/internal/model"
)

// fakePort answers the n-th write (counting from 1) with replies[n], silence
// otherwise. late[n] follows replies[n] after lateBy.
type fakePort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	writes  []string
	timeout time.Duration
	replies map[int]string
	late    map[int]string
	lateBy  time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.timeout)

	for {
		p.mu.Lock()
		if p.in.Len() > 0 {
			n, err := p.in.Read(b)
			p.mu.Unlock()

			return n, err
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil
		}

		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes = append(p.writes, string(b))
	p.in.WriteString(p.replies[len(p.writes)])

	if late, ok := p.late[len(p.writes)]; ok {
		time.AfterFunc(p.lateBy, func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			p.in.WriteString(late)
		})
	}

	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.in.Reset()

	return nil
}

func (p *fakePort) Close() error {
	return nil
}

func (p *fakePort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.writes)
}

func newTestSession(port *fakePort) *Session {
	profile := model.DefaultConsoleProfile()
	matcher := console.NewMatcher(console.PromptsFromProfile(&profile))
	ch := channel.New(port, channel.WithPollInterval(5*time.Millisecond))

	return New(ch, matcher, WithProbe(30*time.Millisecond, 2))
}

func flashCommand(timeout time.Duration, retries int) Command {
	return Command{
		Name:       "flash bootloader",
		Text:       "update uboot mmc 1 fat u-boot-ccimx6qsbc.imx",
		Success:    console.Substring("Update was successful"),
		Failures:   []console.Pattern{console.Substring("Error loading firmware file to RAM.").WithReason("image missing on SD card")},
		Timeout:    timeout,
		MaxRetries: retries,
	}
}

func TestRunNeverRespondingDeviceTimesOut(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(port)

	start := time.Now()
	result := s.Run(context.Background(), flashCommand(50*time.Millisecond, 2))

	assert.Equal(t, model.TimedOut, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, port.writeCount())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, errors.Is(result.Err, model.ErrCommandTimedOut))

	for _, w := range port.writes {
		assert.Equal(t, "update uboot mmc 1 fat u-boot-ccimx6qsbc.imx\r\n", w)
	}
}

func TestRunFailureBeforeSuccessIsFailed(t *testing.T) {
	port := &fakePort{replies: map[int]string{
		1: "Error loading firmware file to RAM.\r\nUpdate was successful\r\n",
	}}
	s := newTestSession(port)

	result := s.Run(context.Background(), flashCommand(time.Second, 2))

	assert.Equal(t, model.Failed, result.Outcome)
	assert.Equal(t, "image missing on SD card", result.Reason)
	assert.Equal(t, 1, port.writeCount())
	assert.True(t, errors.Is(result.Err, model.ErrDeviceReportedFailure))

	var cerr *CommandError
	require.True(t, errors.As(result.Err, &cerr))
	assert.Equal(t, "flash bootloader", cerr.Command)
}

func TestRunSuccessAfterRetry(t *testing.T) {
	port := &fakePort{replies: map[int]string{
		2: "Loading: ####\r\nUpdate was successful\r\n=> ",
	}}
	s := newTestSession(port)

	result := s.Run(context.Background(), flashCommand(40*time.Millisecond, 1))

	assert.True(t, result.OK())
	assert.Equal(t, 2, result.Attempts)
	assert.Contains(t, string(result.Output), "Update was successful")
}

func TestRunListenWritesNothing(t *testing.T) {
	port := &fakePort{}
	port.in.WriteString("Hit any key to stop autoboot:  3")

	s := newTestSession(port)
	result := s.Await(context.Background(), "autoboot", console.Substring("Hit any key"), time.Second)

	assert.True(t, result.OK())
	assert.Zero(t, port.writeCount())
}

func TestRunCancelledIsAborted(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(port)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := s.Run(ctx, flashCommand(5*time.Second, 3))

	assert.Equal(t, model.Aborted, result.Outcome)
	assert.Equal(t, 1, port.writeCount())
}

func TestRunSecretIsMasked(t *testing.T) {
	port := &fakePort{replies: map[int]string{1: "Re-enter new password: "}}
	s := newTestSession(port)

	result := s.Run(context.Background(), Command{
		Name:    "new password",
		Text:    "hunter2",
		Secret:  true,
		Success: console.Substring("Re-enter new password:"),
		Timeout: time.Second,
	})

	require.True(t, result.OK())
	assert.NotContains(t, s.Transcript().String(), "hunter2")
	assert.Contains(t, s.Transcript().String(), "TX ********")
}

func TestProbe(t *testing.T) {
	port := &fakePort{replies: map[int]string{2: "\r\n=> "}}
	s := newTestSession(port)

	state, err := s.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, console.BootloaderPrompt, state)
	assert.Equal(t, 2, port.writeCount())
}

func TestProbeUnresponsive(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(port)

	state, err := s.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, console.Unresponsive, state)
	assert.Equal(t, 2, port.writeCount())
}

func TestTranscriptMirror(t *testing.T) {
	var out strings.Builder

	tr := NewTranscript(&out)
	tr.Sent("saveenv")
	tr.Received([]byte("Saving Environment to MMC...\r\nWriting to MMC(0)... done\r\n"))

	assert.Len(t, tr.Entries(), 2)
	assert.Contains(t, out.String(), "TX saveenv")
	assert.Contains(t, out.String(), "RX Writing to MMC(0)... done")
}

func TestRunMarkerThenPromptLeavesNoPromptBehind(t *testing.T) {
	port := &fakePort{
		replies: map[int]string{1: "Update was successful\r\n"},
		late:    map[int]string{1: "\r\n=> "},
		lateBy:  20 * time.Millisecond,
	}
	s := newTestSession(port)
	prompt := console.LinePrefix("=>")

	flash := s.Run(context.Background(), Command{
		Name:    "flash",
		Text:    "update linux mmc 1 fat core-image-base-ccimx6sbc.boot.vfat",
		Success: console.Then(console.Substring("Update was successful"), prompt),
		Timeout: 200 * time.Millisecond,
	})
	require.Equal(t, model.Success, flash.Outcome)
	assert.Contains(t, string(flash.Output), "=> ")

	// the device never answers this one, the prompt owed by the previous
	// command must not be taken for its completion
	setenv := s.Run(context.Background(), Command{
		Name:    "setenv",
		Text:    "setenv bootcmd dboot linux mmc",
		Success: prompt,
		Timeout: 60 * time.Millisecond,
	})
	assert.Equal(t, model.TimedOut, setenv.Outcome)
	assert.Equal(t, 2, port.writeCount())
}
