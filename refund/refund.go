package refund

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Status represents the lifecycle state of a refund request
type Status string

// All possible states of a refund. Money only moves on the APPROVED to
// PROCESSED transition.
const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Refund is a request to return money against a completed payment
type Refund struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	PaymentID   string         `json:"paymentId" gorm:"index;not null"`
	Amount      float64        `json:"amount" gorm:"not null"`
	Status      Status         `json:"status" gorm:"index;not null"`
	Reason      string         `json:"reason"`
	RequestedBy string         `json:"requestedBy" gorm:"not null"`
	ApprovedBy  *string        `json:"approvedBy"`
	Timeline    datatypes.JSON `json:"timeline"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TimelineEntry is one audit record in a refund's timeline
type TimelineEntry struct {
	Status Status    `json:"status"`
	Actor  string    `json:"actor"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// appendTimeline adds an entry to the serialized audit trail. A corrupt
// existing timeline is replaced rather than surfaced, the audit trail is
// informational.
func appendTimeline(raw datatypes.JSON, entry TimelineEntry) datatypes.JSON {
	var entries []TimelineEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			entries = nil
		}
	}
	entries = append(entries, entry)
	out, err := json.Marshal(entries)
	if err != nil {
		return raw
	}
	return datatypes.JSON(out)
}
