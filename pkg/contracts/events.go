package contracts

import "time"

const (
	EventOrderStatusChanged = "payments.order_status_changed"
	EventReconcileRequested = "payments.reconcile_requested"
)

type OrderStatusChanged struct {
	EventID        string    `json:"event_id"`
	OrderReference string    `json:"order_reference"`
	InternalID     string    `json:"internal_id"`
	OldStatus      string    `json:"old_status"`
	NewStatus      string    `json:"new_status"`
	StatusVersion  int64     `json:"status_version"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type ReconcileRequested struct {
	EventID        string    `json:"event_id"`
	OrderReference string    `json:"order_reference"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}
