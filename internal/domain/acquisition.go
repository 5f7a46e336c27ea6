package domain

import "time"

// Status is the terminal state of an acquisition attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
	StatusSkipped Status = "SKIPPED"
)

// AcquisitionResult records the outcome of downloading one notification's
// data, carrying enough diagnostic context to reconstruct an audit trail even
// on failure. It is produced once per job and consumed exactly once by the
// decode stage.
type AcquisitionResult struct {
	Broker     string `json:"broker"`
	MessageID  string `json:"message_id"`
	DataID     string `json:"data_id"`
	MetadataID string `json:"metadata_id,omitempty"`

	Received time.Time `json:"received"`
	Queued   time.Time `json:"queued"`

	Status Status `json:"status"`

	// Cache is the hostname the data was fetched from.
	Cache    string `json:"cache,omitempty"`
	FilePath string `json:"filename,omitempty"`
	Saved    bool   `json:"save"`

	// ValidHash is nil when no integrity block was supplied.
	ValidHash    *bool  `json:"valid_hash"`
	HashMethod   string `json:"hash_method,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ComputedHash string `json:"hash_value,omitempty"`

	ExpectedLength int64 `json:"expected_length,omitempty"`
	FileSize       int64 `json:"filesize,omitempty"`

	DownloadStart time.Time `json:"download_start,omitzero"`
	DownloadEnd   time.Time `json:"download_end,omitzero"`

	// Dataset is the subscription target the job was routed to; it becomes
	// the dataset membership of every observation decoded from the file.
	Dataset string `json:"dataset"`
}
