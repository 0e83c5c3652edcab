/*
Copyright © 2024 Metal toolbox authors <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/sbcflash/internal/model"
)

var (
	args = &model.Args{}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   model.AppName,
	Short: "sbcflash provisions single board computers over their serial console",
	Long: `sbcflash drives the serial console of the board to flash the bootloader,
the kernel image set and the application setup from the inserted SD card.
Power transitions are done by the operator when asked to.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&args.ConfigFile, "config", "", "configuration file (default is none, settings from SBCFLASH_* env vars)")

	rootCmd.PersistentFlags().
		StringVar(&args.LogLevel, "log-level", "", "set logging level - debug, trace")

	rootCmd.PersistentFlags().
		StringVarP(&args.Port, "port", "p", "", "serial device the board console is attached to, e.g. /dev/ttyUSB0")

	rootCmd.PersistentFlags().
		BoolVar(&args.DryRun, "dry-run", false, "drive a simulated board instead of the serial port")

	rootCmd.PersistentFlags().
		BoolVarP(&args.AssumeYes, "yes", "y", false, "continue at operator checkpoints without waiting for Enter")

	rootCmd.PersistentFlags().
		StringVar(&args.TranscriptFile, "transcript", "", "append the console transcript to this file")

	rootCmd.PersistentFlags().
		BoolVarP(&args.EnableProfiling, "enable-pprof", "", false, "Enable the profiling endpoint, at http://localhost:9091 unless --pprof-address is set")

	rootCmd.PersistentFlags().
		StringVar(&args.ProfilingAddress, "pprof-address", "", "listen address of the profiling endpoint")

	rootCmd.PersistentFlags().
		StringVar(&args.MetricsAddress, "metrics-address", "", "serve prometheus metrics on this address, e.g. localhost:9090")
}
