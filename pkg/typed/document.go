// Package typed offers a generic, type-safe view over store documents.
//
// A Document[T] pairs a store handle with a Go value. Save encodes the value
// into the handle body and runs the regular save protocol, so conflicts,
// transactions and notifications behave exactly as for untyped handles.
package typed

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

// Document is a typed view of one document.
type Document[T any] struct {
	Data T

	handle  *store.Handle
	docType string
}

func (d *Document[T]) ID() string { return d.handle.ID() }
func (d *Document[T]) Revision() core.Revision { return d.handle.Revision() }
func (d *Document[T]) Sequence() uint64 { return d.handle.Sequence() }
func (d *Document[T]) Exists() bool { return d.handle.Exists() }
func (d *Document[T]) IsDeleted() bool { return d.handle.IsDeleted() }
func (d *Document[T]) Handle() *store.Handle { return d.handle }
func (d *Document[T]) String() string { return fmt.Sprintf("%s@%s", d.ID(), d.Revision()) }

// Save encodes Data into the handle and saves it. If the save ends in a
// conflict the handle holds the remote state, and so does Data afterwards.
func (d *Document[T]) Save(ctx context.Context) error {
	if d.handle == nil {
		return core.Invalid("document is detached (no handle)")
	}
	if err := d.handle.Encode(d.Data); err != nil {
		return core.Invalid("encode %q: %v", d.ID(), err)
	}
	if d.docType != "" {
		d.handle.SetType(d.docType)
	}

	err := d.handle.Save(ctx)
	if errors.Is(err, core.ErrConflict) {
		if rerr := d.Refresh(); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// Delete deletes the document. Data is left as it was.
func (d *Document[T]) Delete(ctx context.Context) error {
	if d.handle == nil {
		return core.Invalid("document is detached (no handle)")
	}
	return d.handle.Delete(ctx)
}

// Refresh decodes the current handle body into Data, dropping local edits to Data.
func (d *Document[T]) Refresh() error {
	var data T
	if d.handle.Exists() {
		if err := d.handle.Decode(&data); err != nil {
			return fmt.Errorf("decode %q: %w", d.ID(), err)
		}
	}
	d.Data = data
	return nil
}

// Wrap builds a typed view over an existing handle.
func Wrap[T any](h *store.Handle) (*Document[T], error) {
	if h == nil {
		return nil, core.Invalid("nil handle")
	}
	d := &Document[T]{handle: h, docType: h.Type()}
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	return d, nil
}
