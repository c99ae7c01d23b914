package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull cached images from a registry",
	Long:  "Download the shards of a registry snapshot that differ from the local disk tier.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	ref := args[0]

	engine, err := openEngine(newLogger(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Pulling %s...\n", ref)

	n, err := engine.Pull(cmd.Context(), ref)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Done. %d entries written to %s\n", n, engine.Dir())
	return nil
}
