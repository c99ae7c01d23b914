package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <ref> [tags...]",
	Short: "Push the disk tier to a registry",
	Long:  "Push cached images to an OCI registry. Only changed shards are uploaded. Optionally push to additional tags.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	ref := args[0]
	tags := args[1:]

	engine, err := openEngine(newLogger(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Pushing %s...\n", ref)

	root, err := engine.Push(cmd.Context(), ref, tags...)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Done. Root: %s\n", root)
	return nil
}
