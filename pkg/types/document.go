package types

// Document is the projected, queryable representation of one entity.
// A transformer produces the draft (Index, ID, Fields, Deleted); the
// pipeline stamps Version from the event before the conditional write.
type Document struct {
	// Index is the target index name.
	Index string `json:"-"`

	// ID equals the source entity key.
	ID string `json:"id"`

	// Fields holds the denormalized, entity-specific attributes.
	Fields map[string]interface{} `json:"fields"`

	// Deleted marks a tombstone. Tombstones are written, not removed,
	// so a stale redelivered Create cannot resurrect the document.
	Deleted bool `json:"deleted"`

	// Version is the token of the event that produced this state.
	Version VersionToken `json:"version"`
}

// Tombstone builds the delete marker for a document id.
func Tombstone(index, id string) *Document {
	return &Document{
		Index:   index,
		ID:      id,
		Fields:  map[string]interface{}{},
		Deleted: true,
	}
}
