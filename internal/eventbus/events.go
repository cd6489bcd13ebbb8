package eventbus

// Dispatch event types.
const (
	Delivered = "dispatch.delivered"
	Skipped   = "dispatch.skipped"
	Failed    = "dispatch.failed"
	Queued    = "dispatch.queued"
	Replayed  = "dispatch.replayed"
)

// DispatchEvent is the Data of every dispatch.* event.
type DispatchEvent struct {
	DispatchID  string `json:"dispatch_id"`
	Label       string `json:"label"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
	BatchID     int64  `json:"batch_id,omitempty"`
}
