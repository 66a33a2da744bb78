package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
)

var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coadd version %s (kernel backend %s)\n", version, coadd.ActiveBackend())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
