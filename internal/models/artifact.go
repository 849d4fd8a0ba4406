package models

import "time"

// MediaType is the kind of media attached to a post
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Artifact is the generated media and caption produced for one job attempt
type Artifact struct {
	URL         string    `json:"url"`
	BlobKey     string    `json:"blob_key"`
	Caption     string    `json:"caption"`
	MediaType   MediaType `json:"media_type"`
	ContentType string    `json:"content_type"`
	Prompt      string    `json:"prompt,omitempty"`
}

// IsVideo reports whether the artifact must be published as a reel
func (a *Artifact) IsVideo() bool {
	return a.MediaType == MediaTypeVideo
}

// AlertKind classifies advisory records
type AlertKind string

const (
	AlertConsecutiveFailures AlertKind = "consecutive_failures"
	AlertStalledSlot         AlertKind = "stalled_slot"
)

// Alert is an advisory record derived from the ledger
type Alert struct {
	AccountID    string     `json:"account_id"`
	Kind         AlertKind  `json:"kind"`
	Message      string     `json:"message"`
	Count        int        `json:"count,omitempty"`
	Slot         string     `json:"slot,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	DetectedAt   time.Time  `json:"detected_at"`
}
