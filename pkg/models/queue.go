package models

// QueueRecord is the shape pushed to a pending or failed queue. TxHash
// is optional: a response that lacks an obvious tx hash still produces
// a record (with an empty TxHash), which the anchor worker then routes
// to the failed queue.
type QueueRecord struct {
	TxHash      string `json:"txHash,omitempty"`
	AmountWei   string `json:"amountWei"`
	TimestampMs int64  `json:"timestampMs"`
}

// FailureReason annotates why a record landed in the failed queue; it
// is informational only and has no bearing on the mutual-exclusion
// invariant (processed xor failed).
//
// RawPayload carries the original popped bytes when QueueRecord itself
// couldn't be unmarshaled, so a malformed record is still inspectable
// instead of being reduced to an empty struct.
type FailedRecord struct {
	QueueRecord
	Reason     string `json:"reason,omitempty"`
	RawPayload string `json:"rawPayload,omitempty"`
}
