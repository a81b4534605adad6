package payment

// Status is the internal payment status forwarded to order confirmation.
type Status string

const (
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
	StatusUnknown  Status = "unknown"
)

var eventStatus = map[string]Status{
	"checkout_session.payment.paid": StatusPaid,
	"payment.paid":                  StatusPaid,
	"payment.failed":                StatusFailed,
	"refund.refunded":               StatusRefunded,
}

// StatusForEvent maps a PayMongo event type to a Status. Matching is exact
// and case-sensitive; anything not in the table is StatusUnknown.
func StatusForEvent(eventType string) Status {
	if status, ok := eventStatus[eventType]; ok {
		return status
	}
	return StatusUnknown
}

// NormalizedEvent is the part of a webhook payload the bridge acts on.
type NormalizedEvent struct {
	EventType string
	OrderID   string
	Status    Status
}

// HasOrder reports whether the event carries an order id to confirm.
func (e NormalizedEvent) HasOrder() bool { return e.OrderID != "" }

// Normalize extracts the event type, order id and mapped status from a
// decoded webhook body. It is total: missing or mistyped fields yield empty
// values and StatusUnknown rather than errors.
func Normalize(body any) NormalizedEvent {
	attrs, _ := LookupMap(body, "data", "attributes")

	eventType, _ := LookupString(attrs, "type")
	if eventType == "" {
		eventType, _ = LookupString(body, "type")
	}

	var resource any = attrs
	if nested, ok := Lookup(attrs, "data"); ok && !isEmptyValue(nested) {
		resource = nested
	}

	var orderID string
	if metadata, ok := LookupMap(resource, "attributes", "metadata"); ok {
		orderID, _ = LookupString(metadata, "order_id")
	}

	return NormalizedEvent{
		EventType: eventType,
		OrderID:   orderID,
		Status:    StatusForEvent(eventType),
	}
}
