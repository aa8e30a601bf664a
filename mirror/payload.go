package mirror

import (
	"encoding/json"
	"time"

	"i4.energy/across/cellmqtt/modem"
)

type statusDocument struct {
	modem.Status
	Timestamp time.Time `json:"timestamp"`
}

type deliveryDocument struct {
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeStatus(s modem.Status, now time.Time) ([]byte, error) {
	return json.Marshal(statusDocument{Status: s, Timestamp: now.UTC()})
}

func encodeDelivery(m modem.Message, now time.Time) ([]byte, error) {
	return json.Marshal(deliveryDocument{Topic: m.Topic, Payload: m.Payload, Timestamp: now.UTC()})
}
