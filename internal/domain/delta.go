package domain

import "encoding/json"

// Change is one opaque record from a remote change feed. GroupID is the unit
// that gets synced downstream (a conversation for a mailbox feed).
type Change struct {
	ID      string          `json:"id"`
	GroupID string          `json:"group_id"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// DeltaPage is a single fetched page. An empty NextLink means the traversal is
// exhausted; ResumeLink is the feed-level cursor and is usually only present on
// the last page.
type DeltaPage struct {
	Items      []Change
	NextLink   string
	ResumeLink string
}
