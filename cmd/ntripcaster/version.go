package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ntripcaster version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ntripcaster %s (built %s)\n", Version, BuildTime)
	},
}
