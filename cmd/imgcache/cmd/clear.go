package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached image",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) (err error) {
	engine, err := openEngine(newLogger(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := engine.Clear(); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Cleared %s\n", engine.Dir())
	return nil
}
