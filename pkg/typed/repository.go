package typed

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

// Repository gives type-safe access to the documents of one type in a store.
type Repository[T any] struct {
	store   *store.Store
	docType string
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	docType string
}

// WithDocType sets the type tag written on save and used to filter queries.
// It defaults to the lower-cased name of T; an empty name disables tagging.
func WithDocType(name string) RepositoryOption {
	return func(c *repositoryConfig) { c.docType = name }
}

// NewRepository creates a new type-safe wrapper around a store.
func NewRepository[T any](s *store.Store, opts ...RepositoryOption) *Repository[T] {
	cfg := repositoryConfig{docType: typeName[T]()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Repository[T]{store: s, docType: cfg.docType}
}

func typeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.ToLower(t.Name())
}

// DocType returns the type tag managed by the repository.
func (r *Repository[T]) DocType() string { return r.docType }

// Store returns the underlying store.
func (r *Repository[T]) Store() *store.Store { return r.store }

// Get returns the document for id. A document that was never saved comes
// back with a zero Data and Exists() false.
func (r *Repository[T]) Get(ctx context.Context, id string) (*Document[T], error) {
	h, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.wrap(h)
}

// Lookup is Get for documents that must exist: found is false for absent
// or deleted documents.
func (r *Repository[T]) Lookup(ctx context.Context, id string) (doc *Document[T], found bool, err error) {
	h, found, err := r.store.Lookup(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	doc, err = r.wrap(h)
	return doc, err == nil, err
}

// Create returns a new unsaved document with a generated ID.
func (r *Repository[T]) Create(ctx context.Context, data T) (*Document[T], error) {
	h, err := r.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &Document[T]{Data: data, handle: h, docType: r.docType}, nil
}

// Save persists doc.
func (r *Repository[T]) Save(ctx context.Context, doc *Document[T]) error {
	if doc == nil {
		return core.Invalid("nil document")
	}
	if doc.docType == "" {
		doc.docType = r.docType
	}
	return doc.Save(ctx)
}

// Delete deletes doc.
func (r *Repository[T]) Delete(ctx context.Context, doc *Document[T]) error {
	if doc == nil {
		return core.Invalid("nil document")
	}
	return doc.Delete(ctx)
}

// List returns every live document carrying the repository's type tag,
// ordered by ID.
func (r *Repository[T]) List(ctx context.Context) ([]*Document[T], error) {
	return r.Find(ctx, store.Query{})
}

// Find runs q restricted to the repository's type tag.
func (r *Repository[T]) Find(ctx context.Context, q store.Query) ([]*Document[T], error) {
	q.Type = r.docType
	rows, err := r.store.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	docs := make([]*Document[T], 0, len(rows))
	for _, row := range rows {
		h, err := r.store.Get(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		doc, err := r.wrap(h)
		if err != nil {
			return nil, fmt.Errorf("failed to process document %s: %w", row.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Live opens a live query restricted to the repository's type tag.
func (r *Repository[T]) Live(q store.Query) (*store.LiveQuery, error) {
	q.Type = r.docType
	return r.store.LiveQuery(q)
}

func (r *Repository[T]) wrap(h *store.Handle) (*Document[T], error) {
	d, err := Wrap[T](h)
	if err != nil {
		return nil, err
	}
	if d.docType == "" {
		d.docType = r.docType
	}
	return d, nil
}
