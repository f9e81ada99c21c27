package main

import (
	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and engine state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(loamdb.WithReadOnly(true), loamdb.WithMustExist(true))
		if err != nil {
			return err
		}
		defer s.Close()

		if prom, _ := cmd.Flags().GetBool("prometheus"); prom {
			s.WritePrometheus(cmd.OutOrStdout())
			return nil
		}
		return printJSON(cmd.OutOrStdout(), s.State())
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Bool("prometheus", false, "Print metrics in Prometheus text format")
}
