package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/loamdb"
	loamlifecycle "github.com/aretw0/loamdb/pkg/adapters/lifecycle"
	"github.com/aretw0/loamdb/pkg/core"
)

var watchCmd = &cobra.Command{
	Use:   "watch [pattern]",
	Short: "Print changes as they are committed",
	Long: `Follow the change feed of the store, including changes made by other
processes when the engine can observe them (fs). Stops on Ctrl-C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openStore(loamdb.WithWatch(true), loamdb.WithMustExist(true))
		if err != nil {
			return err
		}
		defer s.Close()

		var opts []loamlifecycle.Option
		if len(args) == 1 {
			opts = append(opts, loamlifecycle.WithPattern(args[0]))
		}
		src, err := loamlifecycle.NewStoreSource(s, 64, opts...)
		if err != nil {
			return err
		}
		if err := src.Start(ctx); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()
		for ev := range src.Events() {
			e, ok := ev.(core.Event)
			if !ok {
				continue
			}
			if asJSON {
				if err := printJSON(out, e); err != nil {
					return err
				}
				continue
			}
			origin := ""
			if e.External {
				origin = " (external)"
			}
			fmt.Fprintf(out, "%d %s%s\n", e.Sequence, e, origin)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("json", false, "Output events as JSON")
}
