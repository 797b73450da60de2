package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var generationsCmd = &cobra.Command{
	Use:     "generations",
	Aliases: []string{"gen"},
	Short:   "Inspect and delete cache generations",
}

var generationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live generations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		names, err := a.Layer.Store().Generations(ctx)
		if err != nil {
			return errors.Join(err, a.Close(ctx))
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return a.Close(ctx)
	},
}

var generationsClearCmd = &cobra.Command{
	Use:   "clear [name...]",
	Short: "Delete the named generations, or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		store := a.Layer.Store()
		if len(args) == 0 {
			err = store.Clear(ctx)
		} else {
			var errs []error
			for _, name := range args {
				errs = append(errs, store.DeleteGeneration(ctx, name))
			}
			err = errors.Join(errs...)
		}
		if err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
		}
		return errors.Join(err, a.Close(ctx))
	},
}

func init() {
	generationsCmd.AddCommand(generationsListCmd)
	generationsCmd.AddCommand(generationsClearCmd)
}
