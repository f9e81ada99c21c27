package store

import (
	"fmt"

	"github.com/aretw0/loamdb/pkg/core"
)

// ResolutionKind tags the outcome a ConflictResolver picked.
type ResolutionKind int

const (
	// ResolveKeepRemote discards the local change and adopts the stored revision.
	ResolveKeepRemote ResolutionKind = iota
	// ResolveKeepLocal retries the save of the local body on top of the stored revision.
	ResolveKeepLocal
	// ResolveMerge retries the save with a caller-provided body.
	ResolveMerge
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolveKeepRemote:
		return "keep-remote"
	case ResolveKeepLocal:
		return "keep-local"
	case ResolveMerge:
		return "merge"
	default:
		return fmt.Sprintf("resolution(%d)", int(k))
	}
}

// Resolution is the tagged result of resolving a conflict. Body is only set for merges.
type Resolution struct {
	Kind ResolutionKind
	Body map[string]any
}

func KeepRemote() Resolution { return Resolution{Kind: ResolveKeepRemote} }

func KeepLocal() Resolution { return Resolution{Kind: ResolveKeepLocal} }

func Merge(body map[string]any) Resolution {
	return Resolution{Kind: ResolveMerge, Body: body}
}

// ConflictResolver decides what happens when a save targets a stale revision.
// local is the handle being saved; remote is a detached view of the stored
// revision (remote.Exists() is false if the document is gone).
type ConflictResolver interface {
	Resolve(local, remote *Handle) Resolution
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(local, remote *Handle) Resolution

func (f ResolverFunc) Resolve(local, remote *Handle) Resolution {
	return f(local, remote)
}

// Fixed strategies.
var (
	PreferRemote ConflictResolver = ResolverFunc(func(_, _ *Handle) Resolution { return KeepRemote() })
	PreferLocal  ConflictResolver = ResolverFunc(func(_, _ *Handle) Resolution { return KeepLocal() })
)

// ShallowMerge overlays local top-level properties on top of the remote ones.
// A remote deletion wins over local edits.
var ShallowMerge ConflictResolver = ResolverFunc(func(local, remote *Handle) Resolution {
	if remote.IsDeleted() {
		return KeepRemote()
	}
	merged := remote.Properties()
	for k, v := range local.Properties() {
		merged[k] = v
	}
	return Merge(merged)
})

// ConflictError is returned by a save whose conflict was not resolved.
// Current is a detached handle carrying the now-current stored state.
type ConflictError struct {
	ID       string
	Expected core.Revision
	Current  *Handle
}

func (e *ConflictError) Error() string {
	cur := core.Revision("")
	if e.Current != nil {
		cur = e.Current.Revision()
	}
	return fmt.Sprintf("save %q: revision conflict (had %q, current %q)", e.ID, e.Expected, cur)
}

func (e *ConflictError) Is(target error) bool {
	return target == core.ErrConflict
}
