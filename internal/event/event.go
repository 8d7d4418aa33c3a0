// Package event defines the internal shape of inbound webhook
// events, shared by the ingestion and reconciliation layers.
package event

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindStatusUpdate   Kind = "status_update"
	KindInboundMessage Kind = "inbound_message"
)

// InboundEvent is one deduplicated, parsed webhook event. The raw
// payload is kept only until the event is consumed; the dedup ledger
// retains just the delivery identifier.
type InboundEvent struct {
	DeliveryID string
	Kind       Kind
	ReceivedAt time.Time

	// RemoteID is the messaging channel's message id
	// (status updates and replies both carry one).
	RemoteID string
	// Status is the reported delivery status (status updates only).
	Status string
	// From is the sender's phone number (inbound messages only).
	From string
	// Text is the message body (inbound messages only).
	Text string

	Raw json.RawMessage
}
