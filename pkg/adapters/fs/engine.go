// Package fs provides a core.Engine that keeps one JSON file per document.
//
// A document "notes/today" lives at {root}/notes/today.json. The engine keeps
// its bookkeeping under {root}/{SystemDir}: an index of the latest known
// revision of every document and the sequence high-water mark. Writes are
// staged in memory during a transaction and land on disk at commit through
// temp files and renames; if any rename fails, the ones already done are
// undone.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/loamdb/pkg/core"
)

const (
	// DefaultSystemDir holds the index and other engine bookkeeping.
	DefaultSystemDir = ".loamdb"

	fileExt = ".json"
)

// Config holds the configuration for the filesystem engine.
type Config struct {
	Path      string
	ReadOnly  bool
	MustExist bool // fail instead of creating Path
	SystemDir string
	Logger    *slog.Logger
	Debounce  time.Duration // watcher event coalescing window
}

// Engine implements core.Engine on a directory tree.
type Engine struct {
	Path   string
	config Config
	index  *index
	logger *slog.Logger

	sem  chan struct{} // held for the lifetime of a transaction
	mu   sync.Mutex    // guards txn and watcher bookkeeping
	txn  *overlay
	disk sync.RWMutex // commit holds it exclusively while renaming

	observeMu sync.Mutex // serializes adoption of external changes

	seq       atomic.Uint64
	closed    atomic.Bool
	destroyed atomic.Bool

	watcherActive bool
	lastReconcile *time.Time
	commits       atomic.Uint64
	rollbacks     atomic.Uint64
}

type overlay struct {
	order  []string
	staged map[string]core.Record
}

// New creates the engine and loads (or rebuilds) its index.
func New(config Config) (*Engine, error) {
	if config.Path == "" {
		return nil, core.Invalid("fs engine requires a path")
	}
	if config.SystemDir == "" {
		config.SystemDir = DefaultSystemDir
	}
	if config.Debounce <= 0 {
		config.Debounce = 50 * time.Millisecond
	}
	logger := core.LoggerOr(config.Logger).With("engine", "fs", "path", config.Path)

	if config.MustExist || config.ReadOnly {
		info, err := os.Stat(config.Path)
		if err != nil {
			return nil, core.Storage("open", "", fmt.Errorf("store path: %w", err))
		}
		if !info.IsDir() {
			return nil, core.Invalid("store path is not a directory: %s", config.Path)
		}
	} else if err := os.MkdirAll(filepath.Join(config.Path, config.SystemDir), 0755); err != nil {
		return nil, core.Storage("open", "", fmt.Errorf("failed to create store directory: %w", err))
	}

	e := &Engine{
		Path:   config.Path,
		config: config,
		index:  newIndex(config.Path, config.SystemDir),
		logger: logger,
		sem:    make(chan struct{}, 1),
	}

	ok, err := e.index.load()
	if err != nil {
		return nil, core.Storage("open", "", err)
	}
	if !ok {
		logger.Debug("index missing or unreadable, rebuilding")
		if _, err := e.rebuild(context.Background()); err != nil {
			return nil, core.Storage("open", "", err)
		}
	}
	e.seq.Store(e.index.sequence())
	return e, nil
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin waits until no other transaction is open.
func (e *Engine) Begin(ctx context.Context) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.txn = &overlay{staged: make(map[string]core.Record)}
	return nil
}

func (e *Engine) End(ctx context.Context, commit bool) error {
	e.mu.Lock()
	if e.txn == nil {
		e.mu.Unlock()
		return core.ErrNoTransaction
	}
	txn := e.txn
	e.txn = nil
	e.mu.Unlock()
	defer func() { <-e.sem }()

	if !commit || len(txn.order) == 0 {
		e.finish(commit)
		return nil
	}

	if err := e.flush(txn); err != nil {
		e.finish(false)
		e.logger.Error("commit failed", "docs", len(txn.order), "error", err)
		return core.Storage("commit", "", err)
	}
	e.finish(true)
	if reason, ok := ctx.Value(core.ChangeReasonKey).(string); ok && reason != "" {
		e.logger.Debug("committed", "docs", len(txn.order), "reason", reason)
	}
	return nil
}

// finish persists the sequence high-water mark so skipped values stay skipped.
func (e *Engine) finish(committed bool) {
	if committed {
		e.commits.Add(1)
	} else {
		e.rollbacks.Add(1)
	}
	e.index.advance(e.seq.Load())
	if err := e.index.save(); err != nil {
		e.logger.Warn("failed to persist index", "error", err)
	}
}

// flush writes every staged record. The index learns the new revisions before
// the renames so the watcher recognizes them as our own.
func (e *Engine) flush(txn *overlay) error {
	writes := make([]*pendingWrite, 0, len(txn.order))
	for _, id := range txn.order {
		rec := txn.staged[id]
		data, err := encodeRecord(rec)
		if err != nil {
			abortAll(writes)
			return fmt.Errorf("encode %s: %w", id, err)
		}
		target := e.filePath(id)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			abortAll(writes)
			return fmt.Errorf("failed to create directories for %s: %w", id, err)
		}
		p, err := prepareWrite(target, data, 0644)
		if err != nil {
			abortAll(writes)
			return err
		}
		writes = append(writes, p)
	}

	type saved struct {
		entry indexEntry
		had   bool
	}
	previous := make(map[string]saved, len(txn.order))
	for _, id := range txn.order {
		entry, had := e.index.get(id)
		previous[id] = saved{entry, had}
		e.index.set(txn.staged[id])
	}

	e.disk.Lock()
	err := commitAll(writes)
	e.disk.Unlock()
	if err != nil {
		for id, p := range previous {
			e.index.restore(id, p.entry, p.had)
		}
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Reads and writes
// --------------------------------------------------------------------------

func (e *Engine) Get(ctx context.Context, id string, mustExist bool) (core.Record, error) {
	if e.closed.Load() {
		return core.Record{}, core.ErrClosed
	}
	if err := validateID(id, e.config.SystemDir); err != nil {
		return core.Record{}, err
	}

	if core.InTransaction(ctx) {
		e.mu.Lock()
		if e.txn != nil {
			if rec, ok := e.txn.staged[id]; ok {
				e.mu.Unlock()
				if mustExist && rec.Deleted {
					return core.Record{}, core.ErrNotFound
				}
				return clone(rec), nil
			}
		}
		e.mu.Unlock()
	}

	rec, ok, err := e.readFile(id)
	if err != nil {
		return core.Record{}, core.Storage("get", id, err)
	}
	if !ok || (mustExist && rec.Deleted) {
		return core.Record{}, core.ErrNotFound
	}
	return rec, nil
}

func (e *Engine) Put(ctx context.Context, req core.PutRequest) (core.Record, error) {
	if e.closed.Load() {
		return core.Record{}, core.ErrClosed
	}
	if e.config.ReadOnly {
		return core.Record{}, core.ErrReadOnly
	}
	if err := validateID(req.ID, e.config.SystemDir); err != nil {
		return core.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txn == nil {
		return core.Record{}, core.ErrNoTransaction
	}

	cur, exists := e.txn.staged[req.ID]
	if !exists {
		var err error
		cur, exists, err = e.readFile(req.ID)
		if err != nil {
			return core.Record{}, core.Storage("put", req.ID, err)
		}
	}
	if err := core.CheckParent(req, cur, exists); err != nil {
		return core.Record{}, err
	}

	rec := core.Record{
		ID:       req.ID,
		Revision: core.NextRevision(cur.Revision),
		Sequence: e.seq.Add(1),
		Type:     req.Type,
		Deleted:  req.Deleted,
	}
	if !req.Deleted {
		rec.Body = append([]byte(nil), req.Body...)
	}
	if _, staged := e.txn.staged[req.ID]; !staged {
		e.txn.order = append(e.txn.order, req.ID)
	}
	e.txn.staged[req.ID] = rec
	return clone(rec), nil
}

// Scan visits every document file under the root, in lexical path order.
// Unreadable files are logged and skipped.
func (e *Engine) Scan(ctx context.Context, fn func(core.Record) bool) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	stop := errors.New("stop")
	err := e.walk(ctx, func(id string, rec core.Record) error {
		if !fn(rec) {
			return stop
		}
		return nil
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}

// walk decodes every document file. It holds the disk lock shared so a
// commit is observed entirely or not at all.
func (e *Engine) walk(ctx context.Context, fn func(id string, rec core.Record) error) error {
	e.disk.RLock()
	defer e.disk.RUnlock()

	fsys := os.DirFS(e.Path)
	return doublestar.GlobWalk(fsys, "**/*"+fileExt, func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || isTempFile(p) {
			return nil
		}
		id := strings.TrimSuffix(p, fileExt)
		if validateID(id, e.config.SystemDir) != nil {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return core.Storage("scan", id, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			e.logger.Warn("skipping unreadable document", "file", p, "error", err)
			return nil
		}
		if rec.ID != id {
			e.logger.Warn("document id does not match its path", "file", p, "id", rec.ID)
			return nil
		}
		return fn(id, rec)
	}, doublestar.WithFilesOnly())
}

// rebuild recreates the index from the document files.
func (e *Engine) rebuild(ctx context.Context) (map[string]*indexEntry, error) {
	entries := make(map[string]*indexEntry)
	var maxSeq uint64
	err := e.walk(ctx, func(id string, rec core.Record) error {
		entries[id] = &indexEntry{Revision: rec.Revision, Sequence: rec.Sequence, Deleted: rec.Deleted}
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.index.reset(entries, maxSeq)
	if !e.config.ReadOnly {
		if err := e.index.save(); err != nil {
			e.logger.Warn("failed to persist index", "error", err)
		}
	}
	return entries, nil
}

func (e *Engine) readFile(id string) (core.Record, bool, error) {
	e.disk.RLock()
	data, err := os.ReadFile(e.filePath(id))
	e.disk.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return core.Record{}, false, nil
	}
	if err != nil {
		return core.Record{}, false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return core.Record{}, false, fmt.Errorf("%s: %w", id, err)
	}
	return rec, true, nil
}

// Close releases the engine. Open transactions are abandoned.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.config.ReadOnly || e.destroyed.Load() {
		return nil
	}
	e.index.advance(e.seq.Load())
	return e.index.save()
}

// Destroy removes every document file and the engine's system directory.
// Other files under the root are left alone.
func (e *Engine) Destroy() error {
	if e.config.ReadOnly {
		return core.ErrReadOnly
	}
	var files []string
	err := e.walk(context.Background(), func(id string, _ core.Record) error {
		files = append(files, e.filePath(id))
		return nil
	})
	if err != nil {
		return err
	}

	e.disk.Lock()
	defer e.disk.Unlock()
	e.destroyed.Store(true)
	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(e.Path, e.config.SystemDir)); err != nil {
		errs = append(errs, err)
	}
	e.index.reset(make(map[string]*indexEntry), 0)
	return errors.Join(errs...)
}

func (e *Engine) filePath(id string) string {
	return filepath.Join(e.Path, filepath.FromSlash(id)+fileExt)
}

// resolveID maps an absolute file path back to a document ID.
func (e *Engine) resolveID(name string) (string, error) {
	rel, err := filepath.Rel(e.Path, name)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, fileExt) || isTempFile(rel) {
		return "", fmt.Errorf("not a document file: %s", rel)
	}
	id := strings.TrimSuffix(rel, fileExt)
	if err := validateID(id, e.config.SystemDir); err != nil {
		return "", err
	}
	return id, nil
}

// validateID accepts slash-separated IDs that map to a path inside the root
// and outside the system directory.
func validateID(id, systemDir string) error {
	if id == "" || id == "." {
		return core.Invalid("empty document id")
	}
	if strings.ContainsAny(id, "\\\x00") || path.IsAbs(id) || path.Clean(id) != id {
		return core.Invalid("document id %q is not a clean relative path", id)
	}
	first, _, _ := strings.Cut(id, "/")
	if first == ".." || first == systemDir {
		return core.Invalid("document id %q escapes the store", id)
	}
	if isTempFile(id) {
		return core.Invalid("document id %q uses a reserved prefix", id)
	}
	return nil
}

func clone(rec core.Record) core.Record {
	if rec.Body != nil {
		rec.Body = append([]byte(nil), rec.Body...)
	}
	return rec
}

var _ core.Engine = (*Engine)(nil)
var _ core.Watchable = (*Engine)(nil)
var _ core.Destroyer = (*Engine)(nil)
