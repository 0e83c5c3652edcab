// Package device simulates the console of the single board computer. It is
// used by --dry-run and by tests in place of a serial port.
package device

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

var errDeviceClosed = errors.New("simulated device closed")

type consoleState int

const (
	stateOff consoleState = iota
	stateAutoboot
	stateBootloader
	stateBootloaderConfirm
	stateBooting
	stateLogin
	statePassword
	stateShell
	stateSetupSerial
	stateSetupPassword
	stateSetupRepeat
)

// Options shape the simulated board.
type Options struct {
	// Echo makes the console repeat every byte written to it, like a real UART console.
	Echo bool
	// AutobootWindow is how long the bootloader waits for a key before booting Linux.
	AutobootWindow time.Duration
	// BootDelay is how long Linux takes from the bootloader to the login prompt.
	BootDelay time.Duration
	// SDCard lists the image files present on the inserted SD card.
	SDCard model.ImageSet
	// NoSDCard simulates a board without a card inserted.
	NoSDCard bool
	// SetupScript is false when the SD card lacks the application setup script.
	SetupScript bool
	// RootPassword is the password of the preinstalled root account, empty for none.
	RootPassword string
	// Responses replace the device output for commands starting with the key.
	Responses map[string]string
	// Ignore drops the first N writes of commands starting with the key.
	Ignore map[string]int
	// Silent devices never print anything.
	Silent bool
	// PromptDelay holds back the bootloader prompt after a long running
	// command. Lines typed before it is printed are lost.
	PromptDelay time.Duration
}

// DefaultOptions is a healthy board with the default images on its SD card.
func DefaultOptions() Options {
	return Options{
		Echo:           true,
		AutobootWindow: 3 * time.Second,
		BootDelay:      2 * time.Second,
		SDCard:         model.DefaultImageSet(),
		SetupScript:    true,
	}
}

// Device is a simulated board console. It implements channel.Port.
type Device struct {
	mu      sync.Mutex
	profile model.ConsoleProfile
	opts    Options

	state       consoleState
	sdBoot      bool
	autobootEnd time.Time
	bootedAt    time.Time

	out         bytes.Buffer
	in          []byte
	readTimeout time.Duration
	closed      bool

	// busy holds the prompt owed by a long running command until promptAt.
	busy     string
	promptAt time.Time

	ignored      map[string]int
	pendingUBoot string
	env          map[string]string

	loginUser    string
	rootPassword string
	newPassword  string

	// Flashed maps an image role to the image written to the on-board storage.
	Flashed map[string]string
	// Serial is the serial number last given to the setup script.
	Serial string
	// Writes are the lines received, in order.
	Writes []string
	// Dropped are the lines received while a command was still running.
	Dropped []string
}

// New returns a powered off device.
func New(profile model.ConsoleProfile, opts Options) *Device {
	return &Device{
		profile:      profile,
		opts:         opts,
		state:        stateOff,
		ignored:      map[string]int{},
		env:          map[string]string{},
		rootPassword: opts.RootPassword,
		Flashed:      map[string]string{},
		readTimeout:  50 * time.Millisecond,
	}
}

// PowerOn simulates the operator powering the board, holding the SD boot button when sdBoot is set.
func (d *Device) PowerOn(sdBoot bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.powerOn(sdBoot)
}

// PowerOff cuts power, anything printed and not yet read is lost.
func (d *Device) PowerOff() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = stateOff
	d.busy = ""
	d.out.Reset()
	d.in = nil
}

// PowerCycle turns the board off and on again.
func (d *Device) PowerCycle(sdBoot bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = stateOff
	d.busy = ""
	d.out.Reset()
	d.in = nil
	d.powerOn(sdBoot)
}

// BootedFromSD reports whether the last boot was forced from the SD card.
func (d *Device) BootedFromSD() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sdBoot
}

// RootPassword returns the current root password.
func (d *Device) RootPassword() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rootPassword
}

// Env returns a bootloader environment variable.
func (d *Device) Env(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.env[name]
}

func (d *Device) powerOn(sdBoot bool) {
	d.sdBoot = sdBoot
	d.env = map[string]string{}

	d.state = stateAutoboot
	d.autobootEnd = time.Now().Add(d.opts.AutobootWindow)

	source := "MMC"
	if sdBoot {
		source = "SD"
	}

	d.print("\r\nU-Boot dub-2017.03 (ConnectCore 6 SBC)\r\n\r\nCPU:   Freescale i.MX6Q\r\nDRAM:  1 GiB\r\nBoot:  " +
		source + "\r\n" + d.profile.AutobootBanner + ":  3 ")
}

// advance moves time based states forward.
func (d *Device) advance(now time.Time) {
	if d.busy != "" && !now.Before(d.promptAt) {
		d.print(d.busy)
		d.busy = ""
	}

	switch d.state {
	case stateAutoboot:
		if now.After(d.autobootEnd) {
			d.bootLinux(now)
		}
	case stateBooting:
		if now.After(d.bootedAt) {
			d.print("\r\nDigi Embedded Yocto 2.4 ccimx6sbc /dev/ttymxc3\r\n\r\n" + d.profile.LoginPrompt + " ")
			d.state = stateLogin
		}
	}
}

func (d *Device) bootLinux(now time.Time) {
	d.print("\r\n## Booting kernel from Legacy Image ...\r\nStarting kernel ...\r\n\r\n")
	d.state = stateBooting
	d.bootedAt = now.Add(d.opts.BootDelay)
}

func (d *Device) print(s string) {
	if d.opts.Silent {
		return
	}

	d.out.WriteString(s)
}

// Read implements channel.Port, it blocks up to the read timeout for output.
func (d *Device) Read(b []byte) (int, error) {
	d.mu.Lock()
	deadline := time.Now().Add(d.readTimeout)
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, errDeviceClosed
		}

		d.advance(time.Now())

		if d.out.Len() > 0 {
			n, err := d.out.Read(b)
			d.mu.Unlock()

			return n, err
		}
		d.mu.Unlock()

		if !time.Now().Before(deadline) {
			return 0, nil
		}

		time.Sleep(2 * time.Millisecond)
	}
}

// Write implements channel.Port. Input is handled a line at a time.
func (d *Device) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, errDeviceClosed
	}

	if d.state == stateOff {
		return len(b), nil
	}

	d.advance(time.Now())

	if d.opts.Echo && !d.silentInput() && d.busy == "" {
		d.print(string(b))
	}

	d.in = append(d.in, b...)

	for {
		idx := bytes.IndexAny(d.in, "\r\n")
		if idx < 0 {
			break
		}

		line := string(d.in[:idx])

		rest := d.in[idx+1:]
		if d.in[idx] == '\r' && len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}

		d.in = rest
		d.Writes = append(d.Writes, line)

		if d.busy != "" {
			d.Dropped = append(d.Dropped, line)
			continue
		}

		d.handle(line)
	}

	return len(b), nil
}

// silentInput reports whether the console hides typed characters, as password prompts do.
func (d *Device) silentInput() bool {
	switch d.state {
	case statePassword, stateSetupPassword, stateSetupRepeat:
		return true
	default:
		return false
	}
}

func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.readTimeout = t

	return nil
}

func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.advance(time.Now())
	d.out.Reset()

	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	return nil
}

func (d *Device) handle(line string) {
	if d.skip(line) {
		return
	}

	if resp, ok := d.override(line); ok {
		d.print(resp)
		return
	}

	switch d.state {
	case stateAutoboot:
		d.state = stateBootloader
		d.print("\r\n" + d.bootloaderPrompt())
	case stateBootloader:
		d.bootloaderCommand(line)
	case stateBootloaderConfirm:
		d.confirmBootloader(line)
	case stateLogin:
		d.login(line)
	case statePassword:
		d.password(line)
	case stateShell:
		d.shellCommand(line)
	case stateSetupSerial, stateSetupPassword, stateSetupRepeat:
		d.setupInput(line)
	}
}

func (d *Device) skip(line string) bool {
	for prefix, n := range d.opts.Ignore {
		if line == "" || !strings.HasPrefix(line, prefix) {
			continue
		}

		if d.ignored[prefix] < n {
			d.ignored[prefix]++
			return true
		}
	}

	return false
}

func (d *Device) override(line string) (string, bool) {
	for prefix, resp := range d.opts.Responses {
		if line != "" && strings.HasPrefix(line, prefix) {
			return resp, true
		}
	}

	return "", false
}
