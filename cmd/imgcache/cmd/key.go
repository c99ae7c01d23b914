package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/imgcache/internal/store"
)

var keyCmd = &cobra.Command{
	Use:   "key <url>",
	Short: "Show the content key of a URL",
	Long:  "Print the content key derived from a URL, its disk-tier path and whether it is cached.",
	Args:  cobra.ExactArgs(1),
	RunE:  runKey,
}

func init() {
	rootCmd.AddCommand(keyCmd)
}

func runKey(cmd *cobra.Command, args []string) (err error) {
	engine, err := openEngine(newLogger(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	locator := args[0]
	_, onDisk := engine.Cached(locator)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key:    %s\n", store.Key(locator))
	fmt.Fprintf(out, "path:   %s\n", engine.Path(locator))
	fmt.Fprintf(out, "cached: %t\n", onDisk)
	return nil
}
