package model

import "time"

// Blob is an immutable content-addressed byte payload. Owned by the
// document store (C1); deleted only by explicit retention policy.
type Blob struct {
	ID         string    `json:"id"` // sha256 hex of Bytes
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}
