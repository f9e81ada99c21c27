package platform

import (
	"log/slog"
	"time"

	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

// options holds the internal configuration for opening a store.
type options struct {
	engine        core.Engine
	adapter       string
	logger        *slog.Logger
	name          string
	readOnly      bool
	mustExist     bool
	forceTemp     bool
	devSafety     bool
	watch         bool
	systemDir     string
	encryptionKey []byte
	cacheCapacity int
	debounce      time.Duration
	resolver      store.ConflictResolver
	codec         core.Codec
	codecName     string
}

// Option defines a functional option for opening a store.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		adapter:   AdapterFS,
		devSafety: true,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithEngine injects an already opened engine. The adapter, path and
// engine-level options are ignored.
func WithEngine(e core.Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithAdapter selects the engine by name: "fs" (default), "memory", "sqlite"
// or "postgres".
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithLogger sets the logger for the store and its engine.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithName labels the store in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithReadOnly enables read-only mode: every write fails with
// core.ErrReadOnly and nothing is created on disk. Read-only stores bypass
// the dev sandbox.
func WithReadOnly(enabled bool) Option {
	return func(o *options) {
		o.readOnly = enabled
	}
}

// WithMustExist requires the store location to exist already.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.mustExist = must
	}
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.forceTemp = force
	}
}

// WithDevSafety controls the sandbox used when running via `go run`.
// By default file-backed stores are redirected to a temporary directory in
// that case. Setting this to false operates on the real path.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.devSafety = enabled
	}
}

// WithWatch makes Open start observing external changes when the engine
// supports it.
func WithWatch(enabled bool) Option {
	return func(o *options) {
		o.watch = enabled
	}
}

// WithSystemDir sets the hidden directory used by the fs engine. Defaults to ".loamdb".
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.systemDir = name
	}
}

// WithEncryptionKey passes key material to the engine. Engines that cannot
// encrypt at rest fail to open with core.ErrUnsupported.
func WithEncryptionKey(key []byte) Option {
	return func(o *options) {
		o.encryptionKey = key
	}
}

// WithCacheCapacity bounds the number of resident handles. Zero picks the store default.
func WithCacheCapacity(n int) Option {
	return func(o *options) {
		o.cacheCapacity = n
	}
}

// WithDebounce sets the window the fs watcher waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

// WithConflictResolver sets the resolver consulted when a save hits a stale revision.
func WithConflictResolver(r store.ConflictResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithCodec sets the body codec.
func WithCodec(c core.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithCodecName selects a registered codec ("json" or "yaml").
func WithCodecName(name string) Option {
	return func(o *options) {
		o.codecName = name
	}
}
