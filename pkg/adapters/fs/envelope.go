package fs

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/loamdb/pkg/core"
)

// envelope is the on-disk form of one document revision. Bodies produced by
// the JSON codec are embedded as-is so files stay readable; anything else
// (YAML, binary) goes base64-encoded into Raw.
type envelope struct {
	ID       string          `json:"id"`
	Revision core.Revision   `json:"rev"`
	Sequence uint64          `json:"seq"`
	Type     string          `json:"type,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Raw      []byte          `json:"raw,omitempty"`
}

func encodeRecord(rec core.Record) ([]byte, error) {
	env := envelope{
		ID:       rec.ID,
		Revision: rec.Revision,
		Sequence: rec.Sequence,
		Type:     rec.Type,
		Deleted:  rec.Deleted,
	}
	if !rec.Deleted && len(rec.Body) > 0 {
		if json.Valid(rec.Body) {
			env.Body = rec.Body
		} else {
			env.Raw = rec.Body
		}
	}
	return json.MarshalIndent(env, "", "  ")
}

func decodeRecord(data []byte) (core.Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.Record{}, fmt.Errorf("malformed document file: %w", err)
	}
	if env.ID == "" || env.Revision.IsZero() {
		return core.Record{}, fmt.Errorf("malformed document file: missing id or rev")
	}
	rec := core.Record{
		ID:       env.ID,
		Revision: env.Revision,
		Sequence: env.Sequence,
		Type:     env.Type,
		Deleted:  env.Deleted,
	}
	switch {
	case rec.Deleted:
	case len(env.Body) > 0:
		rec.Body = []byte(env.Body)
	case len(env.Raw) > 0:
		rec.Body = env.Raw
	}
	return rec, nil
}
