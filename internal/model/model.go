package model

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	AppName = "sbcflash"

	// BaudRate is fixed by the board's console, 8 data bits, no parity, 1 stop bit.
	BaudRate = 115200
)

// Outcome is the terminal result of a command or a stage.
type Outcome string

const (
	Success  Outcome = "success"
	Failed   Outcome = "failed"
	TimedOut Outcome = "timed_out"
	Aborted  Outcome = "aborted"
)

// ImageSet maps each flashing role to the filename on the inserted SD card.
// Files are never read by sbcflash, the names are only referenced in console commands.
type ImageSet struct {
	Bootloader string `mapstructure:"bootloader"`
	Boot       string `mapstructure:"boot"`
	Rootfs     string `mapstructure:"rootfs"`
	Recovery   string `mapstructure:"recovery"`
}

// DefaultImageSet returns the filenames produced by the reference Yocto build.
func DefaultImageSet() ImageSet {
	return ImageSet{
		Bootloader: "u-boot-ccimx6qsbc.imx",
		Boot:       "core-image-base-ccimx6sbc.boot.vfat",
		Rootfs:     "core-image-base-ccimx6sbc.rootfs.ext4",
		Recovery:   "core-image-base-ccimx6sbc.recovery.vfat",
	}
}

// ValidateBootloader checks the bootloader image filename.
func (s ImageSet) ValidateBootloader() error {
	return checkSuffix("bootloader", s.Bootloader, ".imx")
}

// ValidateKernel checks the boot, rootfs and recovery image filenames.
func (s ImageSet) ValidateKernel() error {
	if err := checkSuffix("boot", s.Boot, ".boot.vfat"); err != nil {
		return err
	}

	if err := checkSuffix("rootfs", s.Rootfs, ".rootfs.ext4"); err != nil {
		return err
	}

	return checkSuffix("recovery", s.Recovery, ".recovery.vfat")
}

func checkSuffix(role, name, suffix string) error {
	if name == "" {
		return errors.Wrapf(ErrInvalidImage, "no %s image configured", role)
	}

	if strings.ContainsAny(name, " \t\r\n;") {
		return errors.Wrapf(ErrInvalidImage, "%s image %q contains whitespace or separators", role, name)
	}

	if !strings.HasSuffix(name, suffix) {
		return errors.Wrapf(ErrInvalidImage, "%s image %q must end in %s", role, name, suffix)
	}

	return nil
}

func (s ImageSet) AsLogFields() []any {
	return []any{
		"bootloaderImage", s.Bootloader,
		"bootImage", s.Boot,
		"rootfsImage", s.Rootfs,
		"recoveryImage", s.Recovery,
	}
}

// ApplicationParams are the inputs of the application stage.
type ApplicationParams struct {
	// SerialNumber is a literal serial number, takes precedence over Model/Build/Unit.
	SerialNumber string `mapstructure:"serial_number"`
	Model        string `mapstructure:"model"`
	Build        string `mapstructure:"build"`
	Unit         uint64 `mapstructure:"unit"`

	// RootPassword is the new root password set by the setup script.
	RootPassword string `mapstructure:"root_password"`
	// CurrentRootPassword is used to log in when the device sits at the login prompt.
	CurrentRootPassword string `mapstructure:"current_root_password"`
}

// Args holds the command line arguments, they override the configuration file.
type Args struct {
	LogLevel         string
	ConfigFile       string
	Port             string
	TranscriptFile   string
	MetricsAddress   string
	ProfilingAddress string
	EnableProfiling  bool
	DryRun           bool
	AssumeYes        bool

	Images      ImageSet
	Application ApplicationParams
}
