// Package loamdb is the composition root of the document store.
//
// A store hands out exactly one live Handle per document, saves revisions
// with optimistic concurrency over a pluggable storage engine and tells
// listeners about every commit. Engines ship for plain files (one JSON file
// per document), SQLite, PostgreSQL and memory.
//
// Usage:
//
//	s, err := loamdb.Open("./data", loamdb.WithCacheCapacity(512))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	h, _ := s.Get(ctx, "notes/today")
//	h.Set("title", "hello")
//	if err := h.Save(ctx); errors.Is(err, loamdb.ErrConflict) {
//		// h now carries the stored revision
//	}
//
// Batches group saves into one transaction:
//
//	_, err = s.InBatch(ctx, func(ctx context.Context) (bool, error) {
//		a.Set("n", 1)
//		b.Set("n", 2)
//		return true, errors.Join(a.Save(ctx), b.Save(ctx))
//	})
package loamdb
