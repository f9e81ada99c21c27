package loamdb

import (
	"github.com/aretw0/loamdb/pkg/typed"
)

// Document is a typed view of one document.
type Document[T any] = typed.Document[T]

// Repository gives type-safe access to the documents of one type.
type Repository[T any] = typed.Repository[T]

// NewRepository creates a type-safe wrapper around an open store.
func NewRepository[T any](s *Store, opts ...typed.RepositoryOption) *Repository[T] {
	return typed.NewRepository[T](s, opts...)
}

// OpenRepository opens the store at path and wraps it. Closing the store is
// left to the caller through Repository.Store().
func OpenRepository[T any](path string, opts ...Option) (*Repository[T], error) {
	s, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return typed.NewRepository[T](s), nil
}
