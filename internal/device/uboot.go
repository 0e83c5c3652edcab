package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

// image roles as written by the bootloader update command
const (
	RoleBootloader = "uboot"
	RoleBoot       = "linux"
	RoleRootfs     = "rootfs"
	RoleRecovery   = "recovery"
)

func (d *Device) bootloaderPrompt() string {
	return d.profile.BootloaderPrompt + " "
}

// promptAfterWork prints the prompt ending a long running command, late when
// the board is configured with a prompt delay.
func (d *Device) promptAfterWork() {
	if d.opts.PromptDelay <= 0 {
		d.print(d.bootloaderPrompt())
		return
	}

	d.busy = d.bootloaderPrompt()
	d.promptAt = time.Now().Add(d.opts.PromptDelay)
}

func (d *Device) onSDCard(name string) bool {
	switch {
	case name == "" || d.opts.NoSDCard:
		return false
	case name == d.opts.SDCard.Bootloader, name == d.opts.SDCard.Boot,
		name == d.opts.SDCard.Rootfs, name == d.opts.SDCard.Recovery:
		return true
	default:
		return false
	}
}

// bootloaderCommand answers a line typed at the bootloader prompt.
func (d *Device) bootloaderCommand(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		d.print(d.bootloaderPrompt())
		return
	}

	switch fields[0] {
	case "update":
		d.update(fields)
		return
	case "setenv":
		if len(fields) > 1 {
			d.env[fields[1]] = strings.Join(fields[2:], " ")
		}
	case "env":
		if len(fields) > 1 && fields[1] == "default" {
			d.env = map[string]string{}
			d.print("## Resetting to default environment\r\n")
		}
	case "run":
		if len(fields) > 1 && fields[1] == "partition_mmc_linux" {
			d.print(d.profile.Markers.PartitionDone + "\r\n")
			d.promptAfterWork()

			return
		}
	case "saveenv":
		d.print("Saving Environment to MMC... Writing to MMC(0)... " + d.profile.Markers.EnvSaved + "\r\n")
		d.promptAfterWork()

		return
	case "reset":
		d.print("resetting ...\r\n")
		d.powerOn(false)

		return
	case "boot", "dboot":
		d.bootLinux(time.Now())
		return
	case "printenv":
		for k, v := range d.env {
			d.print(k + "=" + v + "\r\n")
		}
	default:
		d.print(fmt.Sprintf("Unknown command '%s' - try 'help'\r\n", fields[0]))
	}

	d.print(d.bootloaderPrompt())
}

// update handles "update <role> mmc 1 fat <file>".
func (d *Device) update(fields []string) {
	if len(fields) < 6 {
		d.print("Usage: update <partition> [source] [extra-args...]\r\n" + d.bootloaderPrompt())
		return
	}

	role, file := fields[1], fields[5]

	if !d.onSDCard(file) {
		d.print("** Unable to read file " + file + " **\r\n" + d.profile.Markers.BootloaderLoadError + "\r\n" + d.bootloaderPrompt())
		return
	}

	if role == RoleBootloader {
		d.pendingUBoot = file
		d.state = stateBootloaderConfirm
		d.print("Do you really want to " + d.profile.Markers.BootloaderConfirm + " ")

		return
	}

	var marker string

	switch role {
	case RoleBoot:
		marker = d.profile.Markers.BootDone
	case RoleRootfs:
		marker = d.profile.Markers.RootfsDone
		// a fresh root filesystem comes without a root password
		d.rootPassword = ""
	case RoleRecovery:
		marker = d.profile.Markers.RecoveryDone
	default:
		d.print("Error: partition " + role + " not found\r\n" + d.bootloaderPrompt())
		return
	}

	d.Flashed[role] = file
	d.print("Loading " + file + "\r\nWriting to partition " + role + "\r\n" +
		model.ForImage(marker, file) + "\r\n")
	d.promptAfterWork()
}

func (d *Device) confirmBootloader(line string) {
	d.state = stateBootloader

	if strings.TrimSpace(line) != "y" {
		d.print("Operation aborted by user\r\n" + d.bootloaderPrompt())
		return
	}

	d.Flashed[RoleBootloader] = d.pendingUBoot
	d.print("Programming U-Boot from " + d.pendingUBoot + "\r\n" +
		model.ForImage(d.profile.Markers.BootloaderDone, d.pendingUBoot) + "\r\n")
	d.promptAfterWork()
}
