package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
)

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Print a document",
	Long:  `Print the body of a document as JSON. With --full the revision, sequence and type are included.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		s, err := openStore(loamdb.WithReadOnly(true), loamdb.WithMustExist(true))
		if err != nil {
			return err
		}
		defer s.Close()

		h, found, err := s.Lookup(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s: %w", id, loamdb.ErrNotFound)
		}

		if full, _ := cmd.Flags().GetBool("full"); full {
			return printJSON(cmd.OutOrStdout(), handleView(h))
		}
		return printJSON(cmd.OutOrStdout(), h.Properties())
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().Bool("full", false, "Include revision metadata")
}
