package modem_test

import (
	"encoding/json"
	"testing"

	"i4.energy/across/cellmqtt/modem"
)

func TestStateCodes(t *testing.T) {
	// The numeric values are reported upstream and must not move.
	codes := map[modem.State]int{
		modem.StateOff:                     0,
		modem.StateSimNotReady:             1,
		modem.StateInitialized:             2,
		modem.StateAttachedToPacketService: 3,
		modem.StatePppReady:                4,
		modem.StateMqttDisconnected:        5,
		modem.StateMqttConnected:           6,
		modem.StateMqttReconnecting:        7,
		modem.StateLowSignal:               8,
	}
	for state, code := range codes {
		if int(state) != code {
			t.Errorf("%v = %d, want %d", state, int(state), code)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	status := modem.Status{
		SignalStrength: 48,
		IPAddress:      "10.1.2.3",
		Initialized:    true,
		State:          modem.StatePppReady,
	}
	raw, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["state"] != "ppp_ready" {
		t.Errorf("state = %v, want ppp_ready", got["state"])
	}
	if got["signal_strength"] != float64(48) {
		t.Errorf("signal_strength = %v, want 48", got["signal_strength"])
	}
	if got["init_status"] != true {
		t.Errorf("init_status = %v, want true", got["init_status"])
	}
}
