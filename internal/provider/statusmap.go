package provider

import "strings"

// DeliveryOutcome is the internal two-valued reading of a provider
// delivery status string.
type DeliveryOutcome string

const (
	OutcomeSent    DeliveryOutcome = "sent"
	OutcomeFailed  DeliveryOutcome = "failed"
	OutcomePending DeliveryOutcome = "pending"
)

// deliveryStatusMap is the known provider vocabulary. An upstream
// "delivered" folds into sent; it never becomes a distinct status.
var deliveryStatusMap = map[string]DeliveryOutcome{
	"delivered":     OutcomeSent,
	"sent":          OutcomeSent,
	"accepted":      OutcomeSent,
	"buffered":      OutcomePending,
	"enroute":       OutcomePending,
	"queued":        OutcomePending,
	"failed":        OutcomeFailed,
	"undeliverable": OutcomeFailed,
	"rejected":      OutcomeFailed,
	"expired":       OutcomeFailed,
}

// deliveredStatuses mark the handset-level confirmation that sets
// deliveredAt on the recipient.
var deliveredStatuses = map[string]bool{
	"delivered": true,
}

// MapDeliveryStatus maps a raw provider status to an internal outcome.
// ok is false for unrecognized values; callers must log those and keep
// the recipient's current state rather than propagate the value as truth.
func MapDeliveryStatus(raw string) (outcome DeliveryOutcome, delivered bool, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	outcome, ok = deliveryStatusMap[normalized]
	if !ok {
		return OutcomePending, false, false
	}
	return outcome, deliveredStatuses[normalized], true
}
