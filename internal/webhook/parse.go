package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"notifyd/internal/event"
)

// Wire shapes for the messaging channel's webhook batches. A batch
// carries entries, each entry changes, and each change a value with
// either delivery statuses or inbound messages (or both).
type wirePayload struct {
	Object string      `json:"object"`
	Entry  []wireEntry `json:"entry"`
}

type wireEntry struct {
	ID      string       `json:"id"`
	Changes []wireChange `json:"changes"`
}

type wireChange struct {
	Field string    `json:"field"`
	Value wireValue `json:"value"`
}

type wireValue struct {
	MessagingProduct string        `json:"messaging_product"`
	Statuses         []wireStatus  `json:"statuses"`
	Messages         []wireMessage `json:"messages"`
}

type wireStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
}

// parseEvents flattens one webhook batch into internal events. An
// empty batch is valid and yields no events; only undecodable JSON is
// an error.
func parseEvents(deliveryID string, now time.Time, body []byte) ([]event.InboundEvent, error) {
	var payload wirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var events []event.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for i, st := range change.Value.Statuses {
				raw, _ := json.Marshal(st)
				events = append(events, event.InboundEvent{
					DeliveryID: fmt.Sprintf("%s/s%d", deliveryID, i),
					Kind:       event.KindStatusUpdate,
					ReceivedAt: now,
					RemoteID:   st.ID,
					Status:     st.Status,
					From:       st.RecipientID,
					Raw:        raw,
				})
			}
			for i, msg := range change.Value.Messages {
				raw, _ := json.Marshal(msg)
				events = append(events, event.InboundEvent{
					DeliveryID: fmt.Sprintf("%s/m%d", deliveryID, i),
					Kind:       event.KindInboundMessage,
					ReceivedAt: now,
					RemoteID:   msg.ID,
					From:       msg.From,
					Text:       msg.Text.Body,
					Raw:        raw,
				})
			}
		}
	}
	return events, nil
}
