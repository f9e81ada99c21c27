package loamdb_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb"
	"github.com/aretw0/loamdb/pkg/adapters/fs"
	"github.com/aretw0/loamdb/pkg/core"
)

// TestConcurrency_ExternalVsInternal runs a watched store while another
// engine and stray file writes hit the same directory. The store must not
// panic, every error must belong to the taxonomy and the data must stay readable.
func TestConcurrency_ExternalVsInternal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	dir := t.TempDir()
	s, err := loamdb.Open(dir,
		loamdb.WithWatch(true),
		loamdb.WithDebounce(5*time.Millisecond),
		loamdb.WithConflictResolver(loamdb.PreferLocal),
	)
	require.NoError(t, err)
	defer s.Close()

	other, err := fs.New(fs.Config{Path: dir})
	require.NoError(t, err)
	defer other.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	record := func(err error) {
		if err == nil || errors.Is(err, core.ErrConflict) {
			return
		}
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}
	pause := func() { time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond) }

	// Stray files that are not documents.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			name := fmt.Sprintf("noise-%d.txt", rand.IntN(10))
			_ = os.WriteFile(filepath.Join(dir, name), []byte(time.Now().String()), 0644)
			_ = os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644)
			pause()
		}
	}()

	// Another writer on the same directory.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			id := fmt.Sprintf("shared-%d", rand.IntN(5))
			if err := other.Begin(ctx); err != nil {
				return
			}
			cur, err := other.Get(ctx, id, false)
			if err != nil && !errors.Is(err, core.ErrNotFound) {
				record(err)
			}
			_, err = other.Put(ctx, core.PutRequest{ID: id, Parent: cur.Revision, Body: []byte(`{"by":"other"}`)})
			record(err)
			record(other.End(ctx, err == nil))
			pause()
		}
	}()

	// The store itself.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			id := fmt.Sprintf("shared-%d", rand.IntN(5))
			if rand.IntN(2) == 0 {
				id = fmt.Sprintf("data-%d", rand.IntN(10))
			}
			h, err := s.Get(ctx, id)
			if err != nil {
				record(err)
				continue
			}
			h.Set("ts", time.Now().UnixNano())
			record(h.Save(ctx))
			pause()
		}
	}()

	events := s.Changes(ctx, 256)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range events {
		}
	}()

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, err := range failures {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			continue
		}
		t.Errorf("unexpected error: %v", err)
	}

	rows, err := s.Execute(context.Background(), loamdb.Query{})
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
	t.Logf("Survived chaos with %d documents", len(rows))
}
