package engine

import (
	"github.com/oklog/ulid/v2"
)

type ChangeMode string

const (
	ChangeInsert ChangeMode = "insert"
	ChangeUpdate ChangeMode = "update"
	ChangeDelete ChangeMode = "delete"
)

// ChangeEntry records one applied mutation. Row is the shaped row for
// inserts and updates, null for deletes.
type ChangeEntry struct {
	Mode ChangeMode     `json:"mode"`
	Path string         `json:"path"`
	Row  map[string]any `json:"row"`
}

// ChangeSummary records the effects of one write request, in application
// order. It doubles as the write response body and the live-update payload.
// The id is fresh per request, never derived from any entity id. Summaries
// are handed to the hub by value and never mutated after publication.
type ChangeSummary struct {
	ID      string        `json:"id"`
	Entries []ChangeEntry `json:"changes"`
}

func NewChangeSummary() *ChangeSummary {
	return &ChangeSummary{ID: ulid.Make().String()}
}

func (cs *ChangeSummary) Append(mode ChangeMode, path string, row map[string]any) {
	cs.Entries = append(cs.Entries, ChangeEntry{Mode: mode, Path: path, Row: row})
}
