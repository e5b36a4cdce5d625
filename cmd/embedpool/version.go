package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(cmd.OutOrStdout(), versionString())
	},
}

func versionString() string {
	return fmt.Sprintf("embedpool by Fyrsmith Labs\nVersion:    %s\nCommit:     %s\nBuild Date: %s\nGo:         %s\n",
		version, gitCommit, buildDate, runtime.Version())
}
