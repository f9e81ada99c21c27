package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
	"github.com/aretw0/loamdb/pkg/core"
)

var putCmd = &cobra.Command{
	Use:   "put [id] [body]",
	Short: "Create or update a document",
	Long: `Save a new revision of a document. The body is read from the second
argument, or from stdin when it is "-" or missing.

With --rev the save only happens if the document is still at that revision.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		data, err := readBody(cmd, args[1:])
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if msg, _ := cmd.Flags().GetString("message"); msg != "" {
			ctx = context.WithValue(ctx, core.ChangeReasonKey, msg)
		}

		h, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if rev, _ := cmd.Flags().GetString("rev"); rev != "" && h.Revision() != loamdb.Revision(rev) {
			return fmt.Errorf("%s is at %q, not %q: %w", id, h.Revision(), rev, loamdb.ErrConflict)
		}

		props := map[string]any{}
		if len(data) > 0 {
			if err := s.Codec().Unmarshal(data, &props); err != nil {
				return fmt.Errorf("body: %w", err)
			}
		}
		if merge, _ := cmd.Flags().GetBool("merge"); merge {
			merged := h.Properties()
			maps.Copy(merged, props)
			props = merged
		}
		h.SetProperties(props)
		if docType, _ := cmd.Flags().GetString("type"); docType != "" {
			h.SetType(docType)
		}

		if err := h.Save(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s@%s\n", id, h.Revision())
		return nil
	},
}

func readBody(cmd *cobra.Command, args []string) ([]byte, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		return os.ReadFile(file)
	}
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	return io.ReadAll(cmd.InOrStdin())
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringP("file", "f", "", "Read the body from a file")
	putCmd.Flags().StringP("type", "t", "", "Document type tag")
	putCmd.Flags().String("rev", "", "Expected current revision")
	putCmd.Flags().Bool("merge", false, "Merge top-level properties into the current body")
	putCmd.Flags().StringP("message", "m", "", "Change reason recorded in the engine log")
}
