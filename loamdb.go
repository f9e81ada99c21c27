package loamdb

import (
	"log/slog"
	"time"

	"github.com/aretw0/loamdb/internal/platform"
	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

// --- Types ---

type (
	// Store mediates every access to the documents of one database.
	Store = store.Store
	// Handle is the single in-memory representative of a document.
	Handle = store.Handle
	// Query selects documents for Execute and live queries.
	Query = store.Query
	// Row is one document matched by a query.
	Row = store.Row
	// Change is delivered to change listeners once per commit.
	Change = store.Change
	// Event describes one document affected by a commit.
	Event = core.Event
	// Revision identifies one saved version of a document.
	Revision = core.Revision
	// ConflictResolver decides what happens when a save targets a stale revision.
	ConflictResolver = store.ConflictResolver
)

// Errors, for use with errors.Is.
var (
	ErrNotFound        = core.ErrNotFound
	ErrConflict        = core.ErrConflict
	ErrStorage         = core.ErrStorage
	ErrClosed          = core.ErrClosed
	ErrInvalidArgument = core.ErrInvalidArgument
	ErrReadOnly        = core.ErrReadOnly
	ErrUnsupported     = core.ErrUnsupported
)

// Conflict resolution strategies.
var (
	PreferRemote = store.PreferRemote
	PreferLocal  = store.PreferLocal
	ShallowMerge = store.ShallowMerge
)

// Adapter names accepted by WithAdapter.
const (
	AdapterFS       = platform.AdapterFS
	AdapterMemory   = platform.AdapterMemory
	AdapterSQLite   = platform.AdapterSQLite
	AdapterPostgres = platform.AdapterPostgres
)

// --- Configuration ---

// Option defines a functional option for opening a store.
type Option = platform.Option

// WithAdapter selects the engine by name. Defaults to "fs".
func WithAdapter(name string) Option { return platform.WithAdapter(name) }

// WithEngine injects an already opened engine.
func WithEngine(e core.Engine) Option { return platform.WithEngine(e) }

// WithLogger sets the logger for the store and its engine.
func WithLogger(logger *slog.Logger) Option { return platform.WithLogger(logger) }

// WithName labels the store in logs and metrics.
func WithName(name string) Option { return platform.WithName(name) }

// WithReadOnly makes every write fail with ErrReadOnly.
func WithReadOnly(enabled bool) Option { return platform.WithReadOnly(enabled) }

// WithMustExist requires the store location to exist already.
func WithMustExist(must bool) Option { return platform.WithMustExist(must) }

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option { return platform.WithForceTemp(force) }

// WithDevSafety controls the `go run` sandbox for file-backed stores.
func WithDevSafety(enabled bool) Option { return platform.WithDevSafety(enabled) }

// WithWatch starts observing external changes on open when the engine supports it.
func WithWatch(enabled bool) Option { return platform.WithWatch(enabled) }

// WithSystemDir sets the hidden directory of the fs engine (".loamdb" by default).
func WithSystemDir(name string) Option { return platform.WithSystemDir(name) }

// WithEncryptionKey passes key material to the engine.
func WithEncryptionKey(key []byte) Option { return platform.WithEncryptionKey(key) }

// WithCacheCapacity bounds the number of resident handles.
func WithCacheCapacity(n int) Option { return platform.WithCacheCapacity(n) }

// WithDebounce sets the window the fs watcher waits for writes to settle.
func WithDebounce(d time.Duration) Option { return platform.WithDebounce(d) }

// WithConflictResolver sets the resolver consulted on stale saves.
func WithConflictResolver(r ConflictResolver) Option { return platform.WithConflictResolver(r) }

// WithCodec sets the body codec.
func WithCodec(c core.Codec) Option { return platform.WithCodec(c) }

// WithCodecName selects a registered codec by name ("json" or "yaml").
func WithCodecName(name string) Option { return platform.WithCodecName(name) }

// --- Factory ---

// Open opens (creating if needed) the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	return platform.Open(path, opts...)
}

// Exists reports whether a store was already created at path.
func Exists(path string, opts ...Option) (bool, error) {
	return platform.Exists(path, opts...)
}

// Destroy removes the store at path. Foreign files in an fs store directory are kept.
func Destroy(path string, opts ...Option) error {
	return platform.Destroy(path, opts...)
}

// --- Safety & Utils ---

// InitLogging installs the process-wide logger. Only the first call has an effect.
func InitLogging(l *slog.Logger) bool {
	return core.InitLogging(l)
}

// ResolvePath determines the actual store path based on the dev sandbox rules.
func ResolvePath(userPath string, forceTemp bool) string {
	return platform.ResolvePath(userPath, forceTemp)
}

// IsDevRun checks if the current process is running via `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}

// FindRoot looks upwards from startDir for a store root.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir, "")
}
