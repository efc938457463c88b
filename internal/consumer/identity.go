package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/richardliu001/course-purchase-service/internal/model"
	"github.com/segmentio/kafka-go"
)

// MessageIdentity resolves the event and correlation ids of msg.
// Event id: header, then payload eventId, then <topic>-<partition>-<offset>.
// Correlation id: header, then payload correlationId, then payload paymentId.
func MessageIdentity(msg kafka.Message) (eventID, correlationID string) {
	eventID = Header(msg, model.HeaderEventID)
	correlationID = Header(msg, model.HeaderCorrelationID)
	if eventID == "" || correlationID == "" {
		var body struct {
			EventID       string `json:"eventId"`
			CorrelationID string `json:"correlationId"`
			PaymentID     string `json:"paymentId"`
		}
		// undecodable payloads fall through to the position-based id
		_ = json.Unmarshal(msg.Value, &body)
		if eventID == "" {
			eventID = body.EventID
		}
		if correlationID == "" {
			correlationID = body.CorrelationID
		}
		if correlationID == "" {
			correlationID = body.PaymentID
		}
	}
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return eventID, correlationID
}

// Header returns the value of the first header named key, or "".
func Header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
