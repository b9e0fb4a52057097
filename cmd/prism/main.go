package main

import (
	"errors"
	"fmt"
	"os"

	cmd "github.com/mosaicnetworks/prism/cmd/prism/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.VersionCmd,
	)

	// Do not print usage when error occurs
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, cmd.ErrUsage) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
