package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linetest/linetest/internal/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to .linetest/config.yaml",
	Long: `Create the .linetest directory in the current working directory and
write a commented default configuration to it. Fails if a config file
already exists.

linetest works without a config file; init is only needed to change the
defaults (collection parallelism, extra go test arguments, exclude
patterns, output format).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	path, err := config.SaveDefault(workDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
