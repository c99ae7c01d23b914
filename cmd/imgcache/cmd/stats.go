package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show disk-tier statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) (err error) {
	asJSON, _ := cmd.Flags().GetBool("json")

	engine, err := openEngine(newLogger(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	stats, err := engine.Stats()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	fmt.Fprintf(out, "dir:     %s\n", stats.Disk.Dir)
	fmt.Fprintf(out, "entries: %d\n", stats.Disk.Entries)
	fmt.Fprintf(out, "bytes:   %d\n", stats.Disk.TotalBytes)
	return nil
}
