package model

import (
	"encoding/json"
	"time"
)

// DeadLetterRecord is appended to the DLQ topic once per exhausted retry sequence.
type DeadLetterRecord struct {
	RecordID          string            `json:"recordId"`
	OriginalEvent     json.RawMessage   `json:"originalEvent"`
	OriginalKey       string            `json:"originalKey,omitempty"`
	OriginalHeaders   map[string]string `json:"originalHeaders,omitempty"`
	OriginalTopic     string            `json:"originalTopic"`
	OriginalPartition int               `json:"originalPartition"`
	OriginalOffset    int64             `json:"originalOffset"`
	FailureReason     string            `json:"failureReason"`
	FailureTimestamp  time.Time         `json:"failureTimestamp"`
	Attempts          int               `json:"attempts"`
	CorrelationID     string            `json:"correlationId,omitempty"`
	EventID           string            `json:"eventId,omitempty"`
}
