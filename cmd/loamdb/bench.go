package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aretw0/loamdb"
	"github.com/aretw0/loamdb/internal/platform"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure write and query throughput of an engine",
	Long: `Write --count documents in batches into a scratch store, then reopen it
and run a full query twice (cold, then warm). The store is removed afterwards
unless --keep is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		batch, _ := cmd.Flags().GetInt("batch")
		keep, _ := cmd.Flags().GetBool("keep")
		if count <= 0 || batch <= 0 {
			return fmt.Errorf("count and batch must be positive: %w", loamdb.ErrInvalidArgument)
		}

		adapter := viper.GetString("adapter")
		if adapter == platform.AdapterPostgres {
			return fmt.Errorf("bench runs on a scratch store (fs, sqlite, memory): %w", loamdb.ErrUnsupported)
		}

		benchDir, err := os.MkdirTemp("", "loamdb_bench_")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		uri := benchDir
		if adapter == platform.AdapterSQLite {
			uri = filepath.Join(benchDir, "bench.db")
		}
		opts := []loamdb.Option{loamdb.WithAdapter(adapter), loamdb.WithName("bench")}

		defer func() {
			if keep {
				fmt.Fprintf(out, "Keeping bench store: %s\n", uri)
				return
			}
			_ = os.RemoveAll(benchDir)
		}()

		ctx := cmd.Context()
		fmt.Fprintf(out, "Writing %d documents (%s, batches of %d)...\n", count, adapter, batch)
		s, err := loamdb.Open(uri, opts...)
		if err != nil {
			return err
		}
		write := time.Now()
		if err := fill(ctx, s, count, batch); err != nil {
			_ = s.Close()
			return err
		}
		writeTook := time.Since(write)
		if adapter != platform.AdapterMemory {
			if err := s.Close(); err != nil {
				return err
			}
			if s, err = loamdb.Open(uri, opts...); err != nil {
				return err
			}
		}
		defer s.Close()

		cold, n, err := timeQuery(ctx, s)
		if err != nil {
			return err
		}
		warm, _, err := timeQuery(ctx, s)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "--------------------------------------------------\n")
		fmt.Fprintf(out, "Benchmark Result (%d documents, %s):\n", n, adapter)
		fmt.Fprintf(out, "  Write: %v (%.0f docs/s)\n", writeTook, float64(count)/writeTook.Seconds())
		fmt.Fprintf(out, "  Cold:  %v\n", cold)
		fmt.Fprintf(out, "  Warm:  %v\n", warm)
		fmt.Fprintf(out, "--------------------------------------------------\n")
		return nil
	},
}

func fill(ctx context.Context, s *loamdb.Store, count, batch int) error {
	for start := 0; start < count; start += batch {
		end := min(start+batch, count)
		_, err := s.InBatch(ctx, func(ctx context.Context) (bool, error) {
			for i := start; i < end; i++ {
				h, err := s.Get(ctx, fmt.Sprintf("bench/note_%06d", i))
				if err != nil {
					return false, err
				}
				h.SetType("note")
				h.SetProperties(map[string]any{
					"title": fmt.Sprintf("Note %d", i),
					"date":  time.Now().Format(time.DateOnly),
					"tags":  []any{"benchmark", "test"},
				})
				if err := h.Save(ctx); err != nil {
					return false, err
				}
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func timeQuery(ctx context.Context, s *loamdb.Store) (time.Duration, int, error) {
	start := time.Now()
	rows, err := s.Execute(ctx, loamdb.Query{Pattern: "bench/**", Type: "note"})
	return time.Since(start), len(rows), err
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().Int("count", 1000, "Number of documents to write")
	benchCmd.Flags().Int("batch", 100, "Documents per transaction")
	benchCmd.Flags().Bool("keep", false, "Keep the bench store after running")
}
