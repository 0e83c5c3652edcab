package cmd

import (
	"github.com/spf13/cobra"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

const kernelLong = `Partition the on-board storage and flash the boot, rootfs and recovery images
one after the other from the SD card.

Each write completes on its console.markers entry. The default boot and recovery
markers are identical, so a swapped boot and recovery write goes unnoticed. Set
console.markers.boot_done and console.markers.recovery_done to image specific
markers, e.g. "Wrote {image}", to catch it.`

func stageCommand(use, short string, kinds ...model.StageKind) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStages(cmd.Context(), args, kinds...)
		},
	}
}

func addBootloaderFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&args.Images.Bootloader, "bootloader-image", "", "bootloader image on the SD card (*.imx)")
}

func addKernelFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&args.Images.Boot, "boot-image", "", "boot image on the SD card (*.boot.vfat)")
	cmd.Flags().StringVar(&args.Images.Rootfs, "rootfs-image", "", "root filesystem image on the SD card (*.rootfs.ext4)")
	cmd.Flags().StringVar(&args.Images.Recovery, "recovery-image", "", "recovery image on the SD card (*.recovery.vfat)")
}

func addApplicationFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&args.Application.SerialNumber, "serial", "", "serial number MMM-BBB-NNNNNNNN, overrides --model, --build and --unit")
	cmd.Flags().StringVar(&args.Application.Model, "model", "", "3 character model code of the serial number")
	cmd.Flags().StringVar(&args.Application.Build, "build", "", "3 character build level of the serial number")
	cmd.Flags().Uint64Var(&args.Application.Unit, "unit", 0, "unit number of the serial number")
	cmd.Flags().StringVar(&args.Application.RootPassword, "root-password", "", "root password set by the setup script")
	cmd.Flags().StringVar(&args.Application.CurrentRootPassword, "current-root-password", "",
		"root password used to log in when the device is at the login prompt")
}

func init() {
	bootloaderCmd := stageCommand("bootloader", "Flash the bootloader from the SD card", model.Bootloader)
	addBootloaderFlags(bootloaderCmd)

	kernelCmd := stageCommand("kernel", "Partition the on-board storage and flash the boot, rootfs and recovery images", model.Kernel)
	kernelCmd.Long = kernelLong
	addKernelFlags(kernelCmd)

	applicationCmd := stageCommand("application", "Run the application setup, storing the serial number and root password", model.Application)
	addApplicationFlags(applicationCmd)

	provisionCmd := stageCommand("provision", "Run the bootloader, kernel and application stages in order", model.AllStages...)
	addBootloaderFlags(provisionCmd)
	addKernelFlags(provisionCmd)
	addApplicationFlags(provisionCmd)

	rootCmd.AddCommand(bootloaderCmd, kernelCmd, applicationCmd, provisionCmd)
}
