package model

import (
	"strings"
	"time"
)

// ImagePlaceholder is substituted with the image filename in completion markers.
const ImagePlaceholder = "{image}"

// ConsoleProfile holds every firmware specific literal the automaton looks for,
// along with the per operation timeouts and retry budgets.
// nolint:govet // prefer readability over field alignment optimization for this case.
type ConsoleProfile struct {
	// LineEnding terminates every line sent to the console.
	LineEnding string `mapstructure:"line_ending"`

	BootloaderPrompt string `mapstructure:"bootloader_prompt"`
	LoginPrompt      string `mapstructure:"login_prompt"`
	ShellPrompt      string `mapstructure:"shell_prompt"`
	PasswordPrompt   string `mapstructure:"password_prompt"`
	AutobootBanner   string `mapstructure:"autoboot_banner"`

	LoginUser    string `mapstructure:"login_user"`
	LoginFailure string `mapstructure:"login_failure"`

	Markers Markers `mapstructure:"markers"`

	// Errors are failure substrings recognized on every command.
	Errors []string `mapstructure:"errors"`

	Setup    SetupScript `mapstructure:"setup"`
	Timeouts Timeouts    `mapstructure:"timeouts"`
	Retries  Retries     `mapstructure:"retries"`
}

// Markers are the strings printed by the firmware when a step completes.
//
// BootDone, RootfsDone and RecoveryDone may contain {image}, replaced by the
// image being written. The default BootDone and RecoveryDone are the same
// string, so a boot image write reported while the recovery image was asked
// for (or the reverse) is not detected. Configure image specific markers,
// e.g. "Wrote {image}", when the firmware prints the image name.
type Markers struct {
	BootloaderConfirm   string `mapstructure:"bootloader_confirm"`
	BootloaderDone      string `mapstructure:"bootloader_done"`
	BootloaderLoadError string `mapstructure:"bootloader_load_error"`
	PartitionDone       string `mapstructure:"partition_done"`
	EnvSaved            string `mapstructure:"env_saved"`
	BootDone            string `mapstructure:"boot_done"`
	RootfsDone          string `mapstructure:"rootfs_done"`
	RecoveryDone        string `mapstructure:"recovery_done"`
	SerialRequest       string `mapstructure:"serial_request"`
	Passphrase          string `mapstructure:"passphrase"`
	NewPassword         string `mapstructure:"new_password"`
	RepeatPassword      string `mapstructure:"repeat_password"`
	PasswordMismatch    string `mapstructure:"password_mismatch"`
	MountFailure        string `mapstructure:"mount_failure"`
}

// SetupScript describes where the application installer lives on the SD card.
type SetupScript struct {
	SDDevice   string `mapstructure:"sd_device"`
	MountPoint string `mapstructure:"mount_point"`
	Script     string `mapstructure:"script"`
}

// Timeouts per class of console operation.
type Timeouts struct {
	// Probe is the wait for a prompt after poking the console with an empty line.
	Probe time.Duration `mapstructure:"probe"`
	// PowerOn is how long the operator has to power the device once asked to.
	PowerOn time.Duration `mapstructure:"power_on"`
	// Interrupt bounds the wait for the bootloader prompt after stopping autoboot.
	Interrupt time.Duration `mapstructure:"interrupt"`
	Prompt    time.Duration `mapstructure:"prompt"`
	Flash     time.Duration `mapstructure:"flash"`
	Rootfs    time.Duration `mapstructure:"rootfs"`
	Boot      time.Duration `mapstructure:"boot"`
	Setup     time.Duration `mapstructure:"setup"`
}

// Retries per class of console operation. Only idempotent commands are retried.
type Retries struct {
	Probe  int `mapstructure:"probe"`
	Prompt int `mapstructure:"prompt"`
	Flash  int `mapstructure:"flash"`
}

// DefaultConsoleProfile returns the literals observed on the ConnectCore 6 SBC firmware.
func DefaultConsoleProfile() ConsoleProfile {
	return ConsoleProfile{
		LineEnding:       "\r\n",
		BootloaderPrompt: "=>",
		LoginPrompt:      "ccimx6sbc login:",
		ShellPrompt:      "root@ccimx6sbc:",
		PasswordPrompt:   "Password:",
		AutobootBanner:   "Hit any key to stop autoboot",
		LoginUser:        "root",
		LoginFailure:     "Login incorrect",
		Markers: Markers{
			BootloaderConfirm:   "program the boot loader? <y/N>",
			BootloaderDone:      "Update was successful",
			BootloaderLoadError: "Error loading firmware file to RAM.",
			PartitionDone:       "Writing GPT: success!",
			EnvSaved:            "done",
			BootDone:            "Update was successful",
			RootfsDone:          "Firmware updated",
			RecoveryDone:        "Update was successful",
			SerialRequest:       "Enter New Serial Number",
			Passphrase:          "Computed PassPhrase:",
			NewPassword:         "New password:",
			RepeatPassword:      "Re-enter new password:",
			PasswordMismatch:    "do not match",
			MountFailure:        "failed",
		},
		Errors: []string{
			"Error loading firmware file to RAM.",
			"Unknown command",
			"command not found",
			"No such file or directory",
			"Bad Data CRC",
		},
		Setup: SetupScript{
			SDDevice:   "/dev/mmcblk1p1",
			MountPoint: "/mnt/sdc",
			Script:     "Setup.sh",
		},
		Timeouts: Timeouts{
			Probe:     time.Second,
			PowerOn:   60 * time.Second,
			Interrupt: 3 * time.Second,
			Prompt:    5 * time.Second,
			Flash:     30 * time.Second,
			Rootfs:    120 * time.Second,
			Boot:      60 * time.Second,
			Setup:     30 * time.Second,
		},
		Retries: Retries{
			Probe:  3,
			Prompt: 1,
			Flash:  1,
		},
	}
}

// ForImage substitutes the image filename into a completion marker.
func ForImage(marker, image string) string {
	return strings.ReplaceAll(marker, ImagePlaceholder, image)
}
