// Package core holds the types shared by the document store and its storage engines.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Revision is an opaque token naming one stored version of a document.
// The store only compares revisions for equality; ancestry belongs to the engine.
type Revision string

// IsZero reports whether the revision is unset (the document was never persisted).
func (r Revision) IsZero() bool {
	return r == ""
}

// Generation returns the numeric prefix of the token, or 0 if it has none.
func (r Revision) Generation() uint64 {
	prefix, _, ok := strings.Cut(string(r), "-")
	if !ok {
		return 0
	}
	gen, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

func (r Revision) String() string {
	return string(r)
}

// NextRevision mints the token that follows parent: "<generation+1>-<ulid>".
func NextRevision(parent Revision) Revision {
	return Revision(fmt.Sprintf("%d-%s", parent.Generation()+1, ulid.Make().String()))
}

// Record is one stored revision of a document, as exchanged with an Engine.
// Body holds codec-encoded bytes and is empty for tombstones.
type Record struct {
	ID       string
	Revision Revision
	Sequence uint64
	Type     string
	Body     []byte
	Deleted  bool
}

// PutRequest asks an engine to write a new revision on top of Parent.
type PutRequest struct {
	ID      string
	Parent  Revision
	Type    string
	Body    []byte
	Deleted bool
}

// CheckParent applies the revision rules every engine shares: a put must name
// the latest revision of the document, except that a missing document or a
// tombstone accepts an empty parent. cur and exists describe what is stored.
func CheckParent(req PutRequest, cur Record, exists bool) error {
	switch {
	case !exists:
		if req.Deleted {
			return ErrNotFound
		}
		if !req.Parent.IsZero() {
			return &ConflictError{ID: req.ID, Expected: req.Parent}
		}
	case req.Parent == cur.Revision:
	case req.Parent.IsZero() && cur.Deleted && !req.Deleted:
	default:
		return &ConflictError{ID: req.ID, Expected: req.Parent, Current: cur.Revision}
	}
	return nil
}

// EventType represents the type of change in the store.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventModify EventType = "MODIFY"
	EventDelete EventType = "DELETE"
)

// Event describes one committed document change.
type Event struct {
	Type      EventType
	ID        string
	Revision  Revision
	Sequence  uint64
	External  bool  // committed by another process or store instance
	Timestamp int64 // Unix timestamp
}

// String implements lifecycle.Event.
func (e Event) String() string {
	return fmt.Sprintf("%s %s@%s", e.Type, e.ID, e.Revision)
}

// EventFor derives the change event produced by committing rec.
func EventFor(rec Record, created bool) Event {
	t := EventModify
	switch {
	case rec.Deleted:
		t = EventDelete
	case created:
		t = EventCreate
	}
	return Event{
		Type:      t,
		ID:        rec.ID,
		Revision:  rec.Revision,
		Sequence:  rec.Sequence,
		Timestamp: time.Now().Unix(),
	}
}
