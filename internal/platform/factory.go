package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/loamdb/pkg/adapters/fs"
	"github.com/aretw0/loamdb/pkg/adapters/memory"
	"github.com/aretw0/loamdb/pkg/adapters/sqldb"
	"github.com/aretw0/loamdb/pkg/codec"
	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

// Adapter names.
const (
	AdapterFS       = "fs"
	AdapterMemory   = "memory"
	AdapterSQLite   = "sqlite"
	AdapterPostgres = "postgres"
)

type engineFactory func(uri string, o *options) (core.Engine, error)

var factories = map[string]engineFactory{
	AdapterFS:       openFS,
	AdapterMemory:   openMemory,
	AdapterSQLite:   openSQLite,
	AdapterPostgres: openPostgres,
}

// Adapters lists the known adapter names.
func Adapters() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open opens the store at uri. The uri is adapter-specific: a directory for
// "fs", a database file for "sqlite", a connection string for "postgres".
//
//	s, err := platform.Open("./data", platform.WithCacheCapacity(512))
func Open(uri string, opts ...Option) (*store.Store, error) {
	o := buildOptions(opts)

	engine, err := openEngine(uri, o)
	if err != nil {
		return nil, err
	}

	c := o.codec
	if c == nil && o.codecName != "" {
		if c, err = codec.ByName(o.codecName); err != nil {
			_ = engine.Close()
			return nil, err
		}
	}

	s, err := store.New(engine, store.Config{
		Name:          o.name,
		CacheCapacity: o.cacheCapacity,
		ReadOnly:      o.readOnly,
		Resolver:      o.resolver,
		Codec:         c,
		Logger:        o.logger,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	if o.watch {
		err := s.Watch(context.Background())
		switch {
		case errors.Is(err, core.ErrUnsupported):
			core.LoggerOr(o.logger).Debug("engine cannot observe external changes", "adapter", o.adapter)
		case err != nil:
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openEngine(uri string, o *options) (core.Engine, error) {
	if o.engine != nil {
		return o.engine, nil
	}
	factory, ok := factories[o.adapter]
	if !ok {
		return nil, core.Invalid("unknown adapter %q (available: %s)", o.adapter, strings.Join(Adapters(), ", "))
	}
	return factory(uri, o)
}

// Exists reports whether a store was already created at uri.
// Memory stores never exist; PostgreSQL reports core.ErrUnsupported.
func Exists(uri string, opts ...Option) (bool, error) {
	o := buildOptions(opts)
	if o.engine != nil {
		return true, nil
	}

	var marker string
	switch o.adapter {
	case AdapterFS:
		systemDir := o.systemDir
		if systemDir == "" {
			systemDir = fs.DefaultSystemDir
		}
		marker = filepath.Join(o.resolvePath(uri), systemDir)
	case AdapterSQLite:
		if sqldb.IsMemoryDSN(uri) {
			return false, nil
		}
		marker = o.resolvePath(uri)
	case AdapterMemory:
		return false, nil
	case AdapterPostgres:
		return false, core.ErrUnsupported
	default:
		return false, core.Invalid("unknown adapter %q", o.adapter)
	}

	_, err := os.Stat(marker)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, core.Storage("stat", "", err)
	}
}

// Destroy removes the store at uri. Destroying a store that does not exist is a no-op.
func Destroy(uri string, opts ...Option) error {
	o := buildOptions(opts)
	if o.readOnly {
		return core.ErrReadOnly
	}
	if o.adapter != AdapterPostgres && o.engine == nil {
		ok, err := Exists(uri, opts...)
		if err != nil || !ok {
			return err
		}
	}

	s, err := Open(uri, append(opts, WithMustExist(true), WithWatch(false))...)
	if err != nil {
		return err
	}
	if err := s.Destroy(); err != nil {
		return err
	}
	if o.adapter == AdapterSQLite && o.engine == nil {
		return sqldb.RemoveSQLite(o.resolvePath(uri))
	}
	return nil
}

// resolvePath applies the dev sandbox to a file-backed location.
func (o *options) resolvePath(uri string) string {
	bypass := o.readOnly || !o.devSafety
	useTemp := o.forceTemp || (IsDevRun() && !bypass)
	resolved := ResolvePath(uri, useTemp)

	if useTemp && resolved != filepath.Clean(uri) {
		core.LoggerOr(o.logger).Warn("running in SAFE MODE (dev sandbox)", "original_path", uri, "resolved_path", resolved)
	}
	return resolved
}

func (o *options) engineOptions(path string) core.EngineOptions {
	return core.EngineOptions{
		Path:          path,
		ReadOnly:      o.readOnly,
		EncryptionKey: o.encryptionKey,
		Logger:        o.logger,
	}
}

func openFS(uri string, o *options) (core.Engine, error) {
	if len(o.encryptionKey) > 0 {
		return nil, fmt.Errorf("fs engine: encryption at rest: %w", core.ErrUnsupported)
	}
	return fs.New(fs.Config{
		Path:      o.resolvePath(uri),
		ReadOnly:  o.readOnly,
		MustExist: o.mustExist,
		SystemDir: o.systemDir,
		Logger:    o.logger,
		Debounce:  o.debounce,
	})
}

func openMemory(_ string, o *options) (core.Engine, error) {
	return memory.Open(o.engineOptions(""))
}

func openSQLite(uri string, o *options) (core.Engine, error) {
	path := uri
	if !sqldb.IsMemoryDSN(uri) {
		path = o.resolvePath(uri)
		if _, err := os.Stat(path); err != nil {
			if o.mustExist || o.readOnly || !os.IsNotExist(err) {
				return nil, core.Storage("open", "", err)
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, core.Storage("open", "", err)
				}
			}
		}
	}
	return sqldb.OpenSQLite(o.engineOptions(path))
}

func openPostgres(uri string, o *options) (core.Engine, error) {
	if uri == "" {
		return nil, core.Invalid("postgres adapter needs a connection string")
	}
	return sqldb.OpenPostgres(o.engineOptions(uri))
}
