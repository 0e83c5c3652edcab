package stages

import (
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
	"github.com/metal-toolbox/sbcflash/internal/device"
	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/session"
)

// benchOperator powers the simulated device as asked.
type benchOperator struct {
	dev         *device.Device
	abort       bool
	checkpoints []Action
}

func (o *benchOperator) Checkpoint(_ context.Context, cp Checkpoint) error {
	o.checkpoints = append(o.checkpoints, cp.Action)

	if o.abort {
		return model.ErrOperatorAborted
	}

	if o.dev == nil {
		return nil
	}

	switch cp.Action {
	case PowerOnSDBoot:
		o.dev.PowerOn(true)
	case PowerCycle:
		o.dev.PowerCycle(false)
	}

	return nil
}

func (o *benchOperator) Notify(string) {}

type recordingPublisher struct {
	mu     sync.Mutex
	states []string
}

func (p *recordingPublisher) Publish(_ context.Context, status *StageStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.states); n == 0 || p.states[n-1] != status.State {
		p.states = append(p.states, status.State)
	}
}

func testProfile() model.ConsoleProfile {
	p := model.DefaultConsoleProfile()
	p.Markers.BootDone = "Wrote {image}"
	p.Markers.RootfsDone = "Wrote {image}"
	p.Markers.RecoveryDone = "Wrote {image}"
	p.Timeouts = model.Timeouts{
		Probe:     30 * time.Millisecond,
		PowerOn:   500 * time.Millisecond,
		Interrupt: 200 * time.Millisecond,
		Prompt:    300 * time.Millisecond,
		Flash:     150 * time.Millisecond,
		Rootfs:    150 * time.Millisecond,
		Boot:      500 * time.Millisecond,
		Setup:     300 * time.Millisecond,
	}
	p.Retries = model.Retries{Probe: 1, Prompt: 1, Flash: 1}

	return p
}

func testDeviceOptions() device.Options {
	opts := device.DefaultOptions()
	opts.AutobootWindow = 300 * time.Millisecond
	opts.BootDelay = 20 * time.Millisecond

	return opts
}

func newTestEnv(port channel.Port, op Operator, profile *model.ConsoleProfile) Env {
	ch := channel.New(port, channel.WithPollInterval(5*time.Millisecond))
	matcher := console.NewMatcher(console.PromptsFromProfile(profile))

	return Env{
		Session:  session.New(ch, matcher, session.WithProbe(profile.Timeouts.Probe, profile.Retries.Probe)),
		Operator: op,
		Profile:  profile,
		Images:   model.DefaultImageSet(),
		Application: model.ApplicationParams{
			Model:        "BIO",
			Build:        "CV1",
			Unit:         12345,
			RootPassword: "s3cret",
		},
	}
}

func updateWrites(dev *device.Device) []string {
	var writes []string

	for _, w := range dev.Writes {
		if strings.HasPrefix(w, "update ") {
			writes = append(writes, w)
		}
	}

	return writes
}

func TestBootloaderStage(t *testing.T) {
	profile := testProfile()
	dev := device.New(profile, testDeviceOptions())
	op := &benchOperator{dev: dev}
	pub := &recordingPublisher{}

	result := NewRunner(pub, "run", nil).Run(context.Background(), NewBootloader(), newTestEnv(dev, op, &profile))

	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, []Action{PowerOnSDBoot}, op.checkpoints)
	assert.True(t, dev.BootedFromSD())
	assert.Equal(t, model.DefaultImageSet().Bootloader, dev.Flashed[device.RoleBootloader])
	assert.Equal(t, []string{StateAwaitingPrecondition, StateRunning, StateDone}, pub.states)
}

func TestBootloaderStageImageMissingOnCard(t *testing.T) {
	profile := testProfile()
	opts := testDeviceOptions()
	opts.SDCard.Bootloader = "u-boot-other.imx"

	dev := device.New(profile, opts)
	result := NewRunner(nil, "run", nil).Run(context.Background(), NewBootloader(), newTestEnv(dev, &benchOperator{dev: dev}, &profile))

	assert.Equal(t, model.Failed, result.Outcome)
	assert.Equal(t, "FlashBootloader", result.FailedStep)
	assert.True(t, errors.Is(result.Err, model.ErrDeviceReportedFailure))
	assert.Empty(t, dev.Flashed)
}

func TestKernelStageAfterOneRetry(t *testing.T) {
	profile := testProfile()
	opts := testDeviceOptions()
	opts.Ignore = map[string]int{"update linux": 1}

	dev := device.New(profile, opts)
	images := model.DefaultImageSet()

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewKernel(), newTestEnv(dev, &benchOperator{dev: dev}, &profile))

	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, []string{
		"update linux mmc 1 fat " + images.Boot,
		"update linux mmc 1 fat " + images.Boot,
		"update rootfs mmc 1 fat " + images.Rootfs,
		"update recovery mmc 1 fat " + images.Recovery,
	}, updateWrites(dev))
	assert.Equal(t, images.Boot, result.Outputs[OutputBootImage])
	assert.Equal(t, images.Rootfs, result.Outputs[OutputRootfsImage])
	assert.Equal(t, images.Recovery, result.Outputs[OutputRecovery])
}

func TestKernelStageWaitsForPromptAfterMarkers(t *testing.T) {
	profile := testProfile()
	opts := testDeviceOptions()
	opts.PromptDelay = 40 * time.Millisecond

	dev := device.New(profile, opts)
	images := model.DefaultImageSet()

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewKernel(), newTestEnv(dev, &benchOperator{dev: dev}, &profile))

	require.True(t, result.OK(), result.Reason)
	assert.Empty(t, dev.Dropped)
	assert.Contains(t, dev.Writes, "setenv bootcmd dboot linux mmc")
	assert.Equal(t, images.Recovery, dev.Flashed[device.RoleRecovery])
}

func TestBootloaderStageWaitsForPromptAfterWrite(t *testing.T) {
	profile := testProfile()
	opts := testDeviceOptions()
	opts.PromptDelay = 40 * time.Millisecond

	dev := device.New(profile, opts)
	env := newTestEnv(dev, &benchOperator{dev: dev}, &profile)

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewBootloader(), env)
	require.True(t, result.OK(), result.Reason)

	var last session.Entry

	for _, e := range env.Session.Transcript().Entries() {
		if e.Kind == session.EntryReceived {
			last = e
		}
	}

	assert.Contains(t, last.Text, profile.Markers.BootloaderDone)
	assert.True(t, strings.HasSuffix(last.Text, "=> "), last.Text)
}

func TestKernelStageReorderedMarkersFail(t *testing.T) {
	profile := testProfile()
	images := model.DefaultImageSet()

	opts := testDeviceOptions()
	opts.Responses = map[string]string{"update linux": "Wrote " + images.Rootfs + "\r\n=> "}

	dev := device.New(profile, opts)

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewKernel(), newTestEnv(dev, &benchOperator{dev: dev}, &profile))

	assert.Equal(t, model.Failed, result.Outcome)
	assert.Equal(t, "FlashBoot", result.FailedStep)
	assert.Contains(t, result.Reason, "step mismatch")
	assert.Equal(t, []string{"update linux mmc 1 fat " + images.Boot}, updateWrites(dev))
}

func TestKernelStageRejectsBadImageNames(t *testing.T) {
	profile := testProfile()
	dev := device.New(profile, testDeviceOptions())

	env := newTestEnv(dev, &benchOperator{dev: dev}, &profile)
	env.Images.Rootfs = "rootfs.img"

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewKernel(), env)

	assert.Equal(t, model.Failed, result.Outcome)
	assert.True(t, errors.Is(result.Err, model.ErrInvalidImage))
	assert.Empty(t, dev.Writes)
}

func TestApplicationStage(t *testing.T) {
	profile := testProfile()
	dev := device.New(profile, testDeviceOptions())
	op := &benchOperator{dev: dev}

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewApplication(), newTestEnv(dev, op, &profile))

	require.True(t, result.OK(), result.Reason)
	assert.Equal(t, []Action{PowerCycle}, op.checkpoints)
	assert.Equal(t, "BIO-CV1-00012345", dev.Serial)
	assert.Equal(t, "s3cret", dev.RootPassword())
	assert.Equal(t, device.Passphrase("BIO-CV1-00012345"), result.Outputs[OutputPassphrase])
	assert.Equal(t, "BIO-CV1-00012345", result.Outputs[OutputSerialNumber])
}

func TestApplicationStageInvalidSerialSendsNothing(t *testing.T) {
	profile := testProfile()
	dev := device.New(profile, testDeviceOptions())
	dev.PowerOn(false)

	env := newTestEnv(dev, &benchOperator{dev: dev}, &profile)
	env.Application.SerialNumber = "bio-cv1-00012345"

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewApplication(), env)

	assert.Equal(t, model.Failed, result.Outcome)
	assert.True(t, errors.Is(result.Err, model.ErrInvalidSerialNumber))
	assert.Empty(t, dev.Writes)
}

// bootloaderOnlyPort answers everything with the bootloader prompt.
type bootloaderOnlyPort struct {
	mu      sync.Mutex
	out     strings.Builder
	timeout time.Duration
}

func (p *bootloaderOnlyPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(p.timeout)
		p.mu.Lock()

		return 0, nil
	}

	n := copy(b, p.out.String())
	rest := p.out.String()[n:]
	p.out.Reset()
	p.out.WriteString(rest)

	return n, nil
}

func (p *bootloaderOnlyPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out.WriteString("\r\n=> ")

	return len(b), nil
}

func (p *bootloaderOnlyPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *bootloaderOnlyPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out.Reset()

	return nil
}

func (p *bootloaderOnlyPort) Close() error {
	return nil
}

func TestApplicationStageAgainstBootloaderTimesOut(t *testing.T) {
	profile := testProfile()
	port := &bootloaderOnlyPort{}

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewApplication(), newTestEnv(port, &benchOperator{}, &profile))

	assert.Equal(t, model.TimedOut, result.Outcome)
	assert.Equal(t, "precondition", result.FailedStep)
	assert.True(t, errors.Is(result.Err, model.ErrCommandTimedOut))
}

func TestOperatorAbort(t *testing.T) {
	profile := testProfile()
	dev := device.New(profile, testDeviceOptions())
	op := &benchOperator{dev: dev, abort: true}

	result := NewRunner(nil, "run", nil).Run(context.Background(), NewBootloader(), newTestEnv(dev, op, &profile))

	assert.Equal(t, model.Aborted, result.Outcome)
	assert.Empty(t, dev.Flashed)
}

type panicStep struct{}

func (panicStep) Name() string { return "Panic" }

func (panicStep) Run(context.Context, *Env, Data) (string, error) {
	panic("boom")
}

type panicStage struct{}

func (panicStage) Kind() model.StageKind { return model.Kernel }

func (panicStage) Precondition(context.Context, *Env, Data) error { return nil }

func (panicStage) Steps() []Step { return []Step{panicStep{}} }

func TestRunnerHandlePanic(t *testing.T) {
	pub := &recordingPublisher{}
	result := NewRunner(pub, "run", nil).Run(context.Background(), panicStage{}, Env{})

	assert.Equal(t, model.Failed, result.Outcome)
	if assert.NotNil(t, result.Err) {
		assert.Equal(t, "stage fatal error, check logs for details", result.Err.Error())
	}

	assert.Equal(t, StateFailed, pub.states[len(pub.states)-1])
}

func TestExtractValue(t *testing.T) {
	out := []byte("Computed PassPhrase: 4F2A9C01BB7E\r\nNew password: ")

	assert.Equal(t, "4F2A9C01BB7E", extractValue(out, "Computed PassPhrase:"))
	assert.Empty(t, extractValue(out, "missing"))
}

func TestNew(t *testing.T) {
	for _, kind := range model.AllStages {
		s, err := New(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, s.Kind())
	}

	_, err := New(model.StageKind(9))
	assert.True(t, errors.Is(err, model.ErrUnknownStage))
}
