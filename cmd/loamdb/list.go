package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
)

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List documents",
	Long:  `List documents whose ID matches a glob pattern such as "notes/**" (default: all).`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := loamdb.Query{}
		if len(args) == 1 {
			q.Pattern = args[0]
		}
		q.Type, _ = cmd.Flags().GetString("type")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")

		s, err := openStore(loamdb.WithReadOnly(true), loamdb.WithMustExist(true))
		if err != nil {
			return err
		}
		defer s.Close()

		rows, err := s.Execute(cmd.Context(), q)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			views := make([]documentView, 0, len(rows))
			for _, r := range rows {
				views = append(views, rowView(r))
			}
			return printJSON(cmd.OutOrStdout(), views)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Revision, r.Type)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Bool("json", false, "Output in JSON format")
	listCmd.Flags().String("type", "", "Only documents with this type tag")
	listCmd.Flags().Int("limit", 0, "Maximum number of documents (0: no limit)")
	listCmd.Flags().Bool("deleted", false, "Include tombstones")
}
