package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Project describes a shared script-to-storyboard dataset.
type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// ProjectSnapshot is the persisted document content of a project. Both blobs are opaque.
type ProjectSnapshot struct {
	ProjectID string
	Document  json.RawMessage
	Script    json.RawMessage
	UpdatedAt time.Time
}

// SnapshotUpdate overwrites the present blobs of a snapshot. A nil blob leaves the stored value untouched.
type SnapshotUpdate struct {
	ProjectID string
	Document  json.RawMessage
	Script    json.RawMessage
	UpdatedAt time.Time
}

// Empty reports whether the update carries no blob at all.
func (u SnapshotUpdate) Empty() bool {
	return !BlobPresent(u.Document) && !BlobPresent(u.Script)
}

// BlobPresent reports whether raw carries a value. JSON null counts as absent.
func BlobPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// NormalizeBlob returns nil for absent blobs so stores can treat nil as "keep".
func NormalizeBlob(raw json.RawMessage) json.RawMessage {
	if !BlobPresent(raw) {
		return nil
	}
	return raw
}
