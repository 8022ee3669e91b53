package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Build are overridden via -ldflags at release build time.
var (
	Version = "dev"
	Build   = "source"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print hyperdexd's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hyperdexd %s (%s)\n", Version, Build)
	},
}
