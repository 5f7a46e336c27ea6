package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Link roles used when selecting a download URL.
const (
	LinkRelCanonical = "canonical"
	LinkRelUpdate    = "update"
)

// Integrity declares the hash of the linked data so the download can be
// verified. Method names a hash algorithm (sha256, sha512, ...); Value is the
// base64-encoded digest.
type Integrity struct {
	Method string `json:"method"`
	Value  string `json:"value"`
}

// Link is one download reference inside a notification.
type Link struct {
	Rel    string `json:"rel"`
	Href   string `json:"href"`
	Length int64  `json:"length,omitempty"`
}

// NotificationProperties carries the identifying and integrity properties of
// a WIS2 notification message.
type NotificationProperties struct {
	DataID     string     `json:"data_id"`
	MetadataID string     `json:"metadata_id,omitempty"`
	Integrity  *Integrity `json:"integrity,omitempty"`
}

// Notification is a WIS2 Notification Message as published on the broker.
// Fields not needed by the pipeline are ignored during decoding.
type Notification struct {
	ID         string                 `json:"id"`
	Properties NotificationProperties `json:"properties"`
	Links      []Link                 `json:"links"`
}

// ParseNotification decodes a raw broker payload into a Notification.
func ParseNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("parse notification: %w", err)
	}
	return n, nil
}

// SelectLink applies the download-link policy: prefer an update link over a
// canonical one, and force overwrite when an update is chosen. ok is false
// when the notification carries no usable link, which is a valid terminal
// outcome rather than an error.
func (n Notification) SelectLink() (link Link, overwrite bool, ok bool) {
	var canonical, update *Link
	for i := range n.Links {
		switch n.Links[i].Rel {
		case LinkRelCanonical:
			canonical = &n.Links[i]
		case LinkRelUpdate:
			update = &n.Links[i]
		}
	}
	switch {
	case update != nil:
		return *update, true, true
	case canonical != nil:
		return *canonical, false, true
	default:
		return Link{}, false, false
	}
}

// JobDescriptor is one unit of pipeline work, built by the subscription
// router when an inbound message matches a registered subscription. It is
// immutable once constructed and passed by value through the stages.
type JobDescriptor struct {
	Topic   string
	Payload Notification
	Target  string
	Broker  string

	// ReceivedAt is stamped when the message arrives from the broker;
	// QueuedAt when the job is handed to the work queue. The gap between
	// them measures dispatch latency.
	ReceivedAt time.Time
	QueuedAt   time.Time
}
