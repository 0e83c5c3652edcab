package cmd

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/metal-toolbox/sbcflash/internal/model"
	"github.com/metal-toolbox/sbcflash/internal/serialno"
)

var serialnoCmd = &cobra.Command{
	Use:   "serialno",
	Short: "Generate or check device serial numbers without touching a device",
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Assemble a serial number from model, build and unit number",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := args.Application

		sn, err := serialno.Generate(p.Model, p.Build, p.Unit)
		if err != nil {
			return err
		}

		if !serialno.KnownBuild(p.Build) {
			slog.Warn("unknown build level", "build", p.Build, "known", serialno.Builds)
		}

		fmt.Fprintln(cmd.OutOrStdout(), sn)

		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate SERIAL...",
	Short: "Check serial numbers, exits non zero if any is malformed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, serials []string) error {
		var invalid int

		for _, s := range serials {
			parts, err := serialno.Parse(s)
			if err != nil {
				invalid++

				fmt.Fprintf(cmd.OutOrStdout(), "%s\tinvalid\n", s)

				continue
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\tvalid\tmodel=%s build=%s unit=%d\n", s, parts.Model, parts.Build, parts.Unit)
		}

		if invalid > 0 {
			return errors.Wrapf(model.ErrInvalidSerialNumber, "%d of %d", invalid, len(serials))
		}

		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&args.Application.Model, "model", "", "3 character model code")
	generateCmd.Flags().StringVar(&args.Application.Build, "build", "", "3 character build level")
	generateCmd.Flags().Uint64Var(&args.Application.Unit, "unit", 0, "unit number, at most 8 digits")

	for _, name := range []string{"model", "build"} {
		if err := generateCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	serialnoCmd.AddCommand(generateCmd, validateCmd)
	rootCmd.AddCommand(serialnoCmd)
}
