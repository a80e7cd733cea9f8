package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/valter-silva-au/taskwatch/internal/core"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a taskwatch workspace",
	Long: `Write a default .taskwatchrc configuration file into the given
directory (default: current directory).

Safe to run on an existing workspace -- a configuration file that already
exists is left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		basePath := "."
		if len(args) > 0 {
			basePath = args[0]
		}
		absPath, err := filepath.Abs(basePath)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		path, written, err := core.WriteDefaultConfig(absPath)
		if err != nil {
			return fmt.Errorf("initializing workspace: %w", err)
		}
		if written {
			fmt.Printf("Created %s\n", path)
		} else {
			fmt.Printf("Skipped %s (already exists)\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
