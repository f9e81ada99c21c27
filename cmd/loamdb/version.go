package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of loamdb",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "loamdb version %s\n", loamdb.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
