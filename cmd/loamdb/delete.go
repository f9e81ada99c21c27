package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a document",
	Long:  `Write a tombstone revision for a document. Deleting an absent or deleted document does nothing.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		s, err := openStore(loamdb.WithMustExist(true))
		if err != nil {
			return err
		}
		defer s.Close()

		h, err := s.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !h.Exists() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to delete\n", id)
			return nil
		}
		if err := h.Delete(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s@%s\n", id, h.Revision())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
