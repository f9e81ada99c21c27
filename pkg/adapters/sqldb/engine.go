// Package sqldb provides a core.Engine on top of database/sql, with SQLite
// (github.com/mattn/go-sqlite3) and PostgreSQL (github.com/lib/pq) dialects.
//
// Every document is one row of the documents table holding its latest
// revision; tombstones keep their row with deleted set. A store transaction
// maps onto one database transaction, so a failed commit leaves nothing
// applied. The sequence counter lives in memory, seeded at open from the
// highest value ever handed out, which loamdb_meta remembers even for
// rolled-back writes.
package sqldb

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/aretw0/introspection"

	"github.com/aretw0/loamdb/pkg/core"
)

const sequenceKey = "sequence"

// Config holds the configuration for the SQL engine.
type Config struct {
	Dialect  Dialect
	DSN      string // file path for SQLite, connection string for PostgreSQL
	ReadOnly bool
}

// Engine implements core.Engine on a SQL database.
type Engine struct {
	db      *sql.DB
	dialect Dialect
	config  Config

	sem chan struct{} // held for the lifetime of a transaction
	mu  sync.Mutex    // guards tx
	tx  *sql.Tx

	seq    atomic.Uint64
	closed atomic.Bool

	commits   atomic.Uint64
	rollbacks atomic.Uint64
}

// New opens the database, applies pragmas and schema, and seeds the sequence.
func New(ctx context.Context, config Config) (*Engine, error) {
	d := config.Dialect
	if d.Driver == "" {
		return nil, core.Invalid("sql engine requires a dialect")
	}
	if config.DSN == "" {
		return nil, core.Invalid("sql engine requires a data source")
	}

	db, err := sql.Open(d.Driver, config.DSN)
	if err != nil {
		return nil, core.Storage("open", "", errors.Wrap(err, "unable to open database"))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Storage("open", "", errors.Wrap(err, "unable to connect"))
	}
	if err := d.configure(db, IsMemoryDSN(config.DSN)); err != nil {
		db.Close()
		return nil, core.Storage("open", "", err)
	}
	if !config.ReadOnly {
		if err := applySchema(db, d); err != nil {
			db.Close()
			return nil, core.Storage("open", "", err)
		}
	}

	e := &Engine{
		db:      db,
		dialect: d,
		config:  config,
		sem:     make(chan struct{}, 1),
	}
	seq, err := e.loadSequence(ctx)
	if err != nil {
		db.Close()
		return nil, core.Storage("open", "", err)
	}
	e.seq.Store(seq)
	return e, nil
}

// OpenSQLite adapts New to the engine factory signature: Path names the
// database file. SQLite files are stored in the clear, so an encryption key
// cannot be honored.
func OpenSQLite(opts core.EngineOptions) (*Engine, error) {
	if len(opts.EncryptionKey) > 0 {
		return nil, errors.Wrap(core.ErrUnsupported, "sqlite engine: encryption at rest")
	}
	return New(context.Background(), Config{Dialect: SQLite, DSN: opts.Path, ReadOnly: opts.ReadOnly})
}

// OpenPostgres adapts New to the engine factory signature: Path is the
// connection string. Encryption at rest belongs to the server.
func OpenPostgres(opts core.EngineOptions) (*Engine, error) {
	if len(opts.EncryptionKey) > 0 {
		return nil, errors.Wrap(core.ErrUnsupported, "postgres engine: encryption at rest")
	}
	return New(context.Background(), Config{Dialect: Postgres, DSN: opts.Path, ReadOnly: opts.ReadOnly})
}

// IsMemoryDSN reports whether a SQLite DSN names an in-memory database.
func IsMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// loadSequence returns the highest sequence ever assigned.
func (e *Engine) loadSequence(ctx context.Context) (uint64, error) {
	var maxDoc, persisted sql.NullInt64
	if err := e.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM documents").Scan(&maxDoc); err != nil {
		return 0, errors.Wrap(err, "read max sequence")
	}
	err := e.db.QueryRowContext(ctx,
		e.dialect.rebind("SELECT value FROM loamdb_meta WHERE name = ?"), sequenceKey).Scan(&persisted)
	if err != nil && err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "read persisted sequence")
	}
	seq := maxDoc.Int64
	if persisted.Int64 > seq {
		seq = persisted.Int64
	}
	return uint64(seq), nil
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin waits until no other transaction is open, then starts one in the database.
func (e *Engine) Begin(ctx context.Context) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		<-e.sem
		return core.Storage("begin", "", errors.Wrap(err, "unable to begin transaction"))
	}
	e.mu.Lock()
	e.tx = tx
	e.mu.Unlock()
	return nil
}

func (e *Engine) End(ctx context.Context, commit bool) error {
	e.mu.Lock()
	tx := e.tx
	e.tx = nil
	e.mu.Unlock()
	if tx == nil {
		return core.ErrNoTransaction
	}
	defer func() { <-e.sem }()

	if !commit {
		e.rollbacks.Add(1)
		err := tx.Rollback()
		e.persistSequence(ctx)
		if err != nil {
			return core.Storage("rollback", "", errors.Wrap(err, "unable to roll back"))
		}
		return nil
	}

	if err := e.writeSequence(ctx, tx); err != nil {
		_ = tx.Rollback()
		e.rollbacks.Add(1)
		return core.Storage("commit", "", err)
	}
	if err := tx.Commit(); err != nil {
		e.rollbacks.Add(1)
		e.persistSequence(ctx)
		return core.Storage("commit", "", errors.Wrap(err, "unable to commit"))
	}
	e.commits.Add(1)
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e *Engine) writeSequence(ctx context.Context, x execer) error {
	_, err := x.ExecContext(ctx, e.dialect.rebind(`INSERT INTO loamdb_meta (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value WHERE excluded.value > loamdb_meta.value`),
		sequenceKey, int64(e.seq.Load()))
	return errors.Wrap(err, "persist sequence")
}

// persistSequence records values consumed by a transaction that did not
// commit, so they are not handed out again after a restart.
func (e *Engine) persistSequence(ctx context.Context) {
	if e.config.ReadOnly {
		return
	}
	if err := e.writeSequence(context.WithoutCancel(ctx), e.db); err != nil {
		core.Logger().Warn("failed to persist sequence", "engine", e.dialect.Name, "error", err)
	}
}

// --------------------------------------------------------------------------
// Reads and writes
// --------------------------------------------------------------------------

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// reader picks the open transaction for transactional contexts.
func (e *Engine) reader(ctx context.Context) queryer {
	if core.InTransaction(ctx) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.tx != nil {
			return e.tx
		}
	}
	return e.db
}

const selectColumns = "id, rev, seq, doc_type, body, deleted"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (core.Record, error) {
	var (
		rec core.Record
		rev string
		seq int64
	)
	if err := row.Scan(&rec.ID, &rev, &seq, &rec.Type, &rec.Body, &rec.Deleted); err != nil {
		return core.Record{}, err
	}
	rec.Revision = core.Revision(rev)
	rec.Sequence = uint64(seq)
	if rec.Deleted {
		rec.Body = nil
	}
	return rec, nil
}

func (e *Engine) get(ctx context.Context, q queryer, id string) (core.Record, bool, error) {
	row := q.QueryRowContext(ctx, e.dialect.rebind("SELECT "+selectColumns+" FROM documents WHERE id = ?"), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return core.Record{}, false, nil
	}
	if err != nil {
		return core.Record{}, false, errors.Wrap(err, "select query failed")
	}
	return rec, true, nil
}

func (e *Engine) Get(ctx context.Context, id string, mustExist bool) (core.Record, error) {
	if e.closed.Load() {
		return core.Record{}, core.ErrClosed
	}
	if id == "" {
		return core.Record{}, core.Invalid("empty document id")
	}
	rec, ok, err := e.get(ctx, e.reader(ctx), id)
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
	if req.ID == "" {
		return core.Record{}, core.Invalid("empty document id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tx == nil {
		return core.Record{}, core.ErrNoTransaction
	}

	cur, exists, err := e.get(ctx, e.tx, req.ID)
	if err != nil {
		return core.Record{}, core.Storage("put", req.ID, err)
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

	written, err := e.write(ctx, rec, cur.Revision, exists)
	if err != nil {
		return core.Record{}, core.Storage("put", req.ID, err)
	}
	if !written {
		// Another connection committed between our read and write.
		return core.Record{}, &core.ConflictError{ID: req.ID, Expected: req.Parent}
	}
	return rec, nil
}

// write stores rec only if the row still carries prev (or, for a new
// document, is still absent), so a concurrent commit is never overwritten.
func (e *Engine) write(ctx context.Context, rec core.Record, prev core.Revision, exists bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if exists {
		res, err = e.tx.ExecContext(ctx, e.dialect.rebind(`UPDATE documents SET
			rev = ?, seq = ?, doc_type = ?, body = ?, deleted = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND rev = ?`),
			string(rec.Revision), int64(rec.Sequence), rec.Type, rec.Body, rec.Deleted, rec.ID, string(prev))
	} else {
		res, err = e.tx.ExecContext(ctx, e.dialect.rebind(`INSERT INTO documents (id, rev, seq, doc_type, body, deleted)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			rec.ID, string(rec.Revision), int64(rec.Sequence), rec.Type, rec.Body, rec.Deleted)
	}
	if err != nil {
		return false, errors.Wrap(err, "unable to write document")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "unable to read affected rows")
	}
	return n == 1, nil
}

// Scan visits records ordered by ID: committed ones, or those of the open
// transaction for transactional contexts. Rows are read fully before fn runs,
// so fn may call back into the engine.
func (e *Engine) Scan(ctx context.Context, fn func(core.Record) bool) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	rows, err := e.reader(ctx).QueryContext(ctx, "SELECT "+selectColumns+" FROM documents ORDER BY id")
	if err != nil {
		return core.Storage("scan", "", errors.Wrap(err, "DB query failed"))
	}
	var recs []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return core.Storage("scan", "", errors.Wrap(err, "DB retrieval failed"))
		}
		recs = append(recs, rec)
	}
	if err := rows.Close(); err != nil {
		return core.Storage("scan", "", errors.Wrap(err, "DB retrieval failed"))
	}
	if err := rows.Err(); err != nil {
		return core.Storage("scan", "", errors.Wrap(err, "DB retrieval failed"))
	}

	for _, rec := range recs {
		if !fn(rec) {
			break
		}
	}
	return nil
}

// Close abandons any open transaction and closes the connection pool.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	if e.tx != nil {
		_ = e.tx.Rollback()
		e.tx = nil
	}
	e.mu.Unlock()
	return e.db.Close()
}

// Destroy drops the engine's tables. For SQLite files, the file itself goes
// once the engine is closed.
func (e *Engine) Destroy() error {
	if e.config.ReadOnly {
		return core.ErrReadOnly
	}
	if _, err := e.db.Exec("DROP TABLE IF EXISTS documents"); err != nil {
		return core.Storage("destroy", "", errors.Wrap(err, "DROP TABLE documents failed"))
	}
	if _, err := e.db.Exec("DROP TABLE IF EXISTS loamdb_meta"); err != nil {
		return core.Storage("destroy", "", errors.Wrap(err, "DROP TABLE loamdb_meta failed"))
	}
	return nil
}

// DB returns the underlying sql.DB for direct queries.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// RemoveSQLite deletes a SQLite database file together with its WAL
// companions. It is meant for closed databases.
func RemoveSQLite(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "remove %s", path)
	}
	return nil
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// EngineState exposes internal state for observability.
type EngineState struct {
	Dialect   string `json:"dialect"`
	Sequence  uint64 `json:"sequence"`
	InTxn     bool   `json:"in_transaction"`
	Commits   uint64 `json:"commits"`
	Rollbacks uint64 `json:"rollbacks"`
	ReadOnly  bool   `json:"read_only"`
	OpenConns int    `json:"open_connections"`
}

// State implements introspection.Introspectable.
func (e *Engine) State() any {
	e.mu.Lock()
	inTxn := e.tx != nil
	e.mu.Unlock()
	return EngineState{
		Dialect:   e.dialect.Name,
		Sequence:  e.seq.Load(),
		InTxn:     inTxn,
		Commits:   e.commits.Load(),
		Rollbacks: e.rollbacks.Load(),
		ReadOnly:  e.config.ReadOnly,
		OpenConns: e.db.Stats().OpenConnections,
	}
}

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "sql-engine"
}

var _ core.Engine = (*Engine)(nil)
var _ core.Destroyer = (*Engine)(nil)
var _ introspection.Introspectable = (*Engine)(nil)
var _ introspection.Component = (*Engine)(nil)
