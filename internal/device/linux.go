package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// Passphrase is the value the simulated setup script derives from a serial number.
func Passphrase(serial string) string {
	sum := sha256.Sum256([]byte(serial))
	return strings.ToUpper(hex.EncodeToString(sum[:6]))
}

func (d *Device) shellPrompt() string {
	return d.profile.ShellPrompt + "~# "
}

func (d *Device) login(line string) {
	if line == "" {
		d.print("\r\n" + d.profile.LoginPrompt + " ")
		return
	}

	if line == d.profile.LoginUser && d.rootPassword == "" {
		d.state = stateShell
		d.print(d.shellPrompt())

		return
	}

	// unknown users are asked for a password too
	d.loginUser = line
	d.state = statePassword
	d.print(d.profile.PasswordPrompt + " ")
}

func (d *Device) password(line string) {
	user := d.loginUser
	d.loginUser = ""

	if user == d.profile.LoginUser && line == d.rootPassword {
		d.state = stateShell
		d.print("\r\n" + d.shellPrompt())

		return
	}

	d.state = stateLogin
	d.print("\r\n" + d.profile.LoginFailure + "\r\n" + d.profile.LoginPrompt + " ")
}

// shellCommand answers a line typed at the root shell.
func (d *Device) shellCommand(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		d.print(d.shellPrompt())
		return
	}

	setup := d.profile.Setup

	switch fields[0] {
	case "mkdir", "chmod", "sync", "umount":
	case "mount":
		if d.opts.NoSDCard {
			d.print("mount: mounting " + setup.SDDevice + " on " + setup.MountPoint + " " + d.profile.Markers.MountFailure + ": No such device\r\n")
		}
	case "cp":
		var src string
		if len(fields) > 1 {
			src = fields[1]
		}

		if d.opts.NoSDCard || !d.opts.SetupScript || path.Base(src) != setup.Script {
			d.print(fmt.Sprintf("cp: can't stat '%s': No such file or directory\r\n", src))
		}
	case "./" + setup.Script:
		d.state = stateSetupSerial
		d.print("Setting Serial Number\r\n" + d.profile.Markers.SerialRequest + ": ")

		return
	case "reboot":
		d.print("The system is going down NOW!\r\nRequesting system reboot\r\n")
		d.powerOn(false)

		return
	default:
		d.print(fmt.Sprintf("-sh: %s: command not found\r\n", fields[0]))
	}

	d.print(d.shellPrompt())
}

func (d *Device) setupInput(line string) {
	switch d.state {
	case stateSetupSerial:
		d.Serial = strings.TrimSpace(line)
		d.state = stateSetupPassword
		d.print(d.profile.Markers.Passphrase + " " + Passphrase(d.Serial) + "\r\nChanging password for root\r\n" +
			d.profile.Markers.NewPassword + " ")
	case stateSetupPassword:
		d.newPassword = line
		d.state = stateSetupRepeat
		d.print("\r\n" + d.profile.Markers.RepeatPassword + " ")
	case stateSetupRepeat:
		d.state = stateShell

		if line != d.newPassword {
			d.newPassword = ""
			d.print("\r\npasswd: Passwords " + d.profile.Markers.PasswordMismatch + "\r\n" + d.shellPrompt())

			return
		}

		d.rootPassword = d.newPassword
		d.newPassword = ""
		d.print("\r\npasswd: password for root changed by root\r\n" + d.shellPrompt())
	}
}
