// Package cloudevent builds and delivers CloudEvents 1.0 envelopes.
package cloudevent

import (
	"encoding/json"
	"time"
)

// CloudEvent is a CloudEvents 1.0 envelope with a JSON payload.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// New builds an envelope around an already-encoded payload.
func New(eventType, source, subject, id string, data json.RawMessage) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
