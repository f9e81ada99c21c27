package main

import (
	"encoding/json"
	"io"

	"github.com/aretw0/loamdb"
	"github.com/aretw0/loamdb/pkg/core"
)

// documentView is the JSON form of a document printed by get and list.
type documentView struct {
	ID       string         `json:"id"`
	Revision core.Revision  `json:"rev"`
	Sequence uint64         `json:"seq"`
	Type     string         `json:"type,omitempty"`
	Deleted  bool           `json:"deleted,omitempty"`
	Body     map[string]any `json:"body"`
}

func handleView(h *loamdb.Handle) documentView {
	return documentView{
		ID:       h.ID(),
		Revision: h.Revision(),
		Sequence: h.Sequence(),
		Type:     h.Type(),
		Deleted:  h.IsDeleted(),
		Body:     h.Properties(),
	}
}

func rowView(r loamdb.Row) documentView {
	return documentView{
		ID:       r.ID,
		Revision: r.Revision,
		Sequence: r.Sequence,
		Type:     r.Type,
		Body:     r.Body,
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
