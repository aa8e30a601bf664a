package modem

// State is the lifecycle position of a driver. The numeric values are the
// status codes the device firmware reports upstream.
type State int

const (
	StateOff State = iota
	StateSimNotReady
	StateInitialized
	StateAttachedToPacketService
	StatePppReady
	StateMqttDisconnected
	StateMqttConnected
	StateMqttReconnecting
	StateLowSignal
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateSimNotReady:
		return "sim_not_ready"
	case StateInitialized:
		return "initialized"
	case StateAttachedToPacketService:
		return "attached_to_packet_service"
	case StatePppReady:
		return "ppp_ready"
	case StateMqttDisconnected:
		return "mqtt_disconnected"
	case StateMqttConnected:
		return "mqtt_connected"
	case StateMqttReconnecting:
		return "mqtt_reconnecting"
	case StateLowSignal:
		return "low_signal"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// inSession reports whether an MQTT session is up or being restored by the
// modem itself. Attach checks do not move the state out of these.
func (s State) inSession() bool {
	return s == StateMqttConnected || s == StateMqttReconnecting
}

// SessionState is the broker link state reported by a connection poll.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionConnected
	SessionReconnecting
	SessionReconnectStarting
	SessionReconnectFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionConnected:
		return "connected"
	case SessionReconnecting:
		return "reconnecting"
	case SessionReconnectStarting:
		return "reconnect_starting"
	case SessionReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time copy of what a driver knows about its modem.
type Status struct {
	SignalStrength int    `json:"signal_strength"` // 0-100
	IPAddress      string `json:"ip_address"`
	IMSI           string `json:"imsi"`
	Operator       string `json:"operator"`
	NetworkType    string `json:"network_type"`
	Initialized    bool   `json:"init_status"`
	Connected      bool   `json:"connection_status"`
	MQTTConnected  bool   `json:"mqtt_status"`
	TimeSynced     bool   `json:"time_synced"`
	State          State  `json:"state"`
}

// MessageKind tells what a frame read from the modem carried.
type MessageKind int

const (
	MessageNone MessageKind = iota
	MessageDelivery
	MessageDisconnect
)

// Message is a frame decoded from the modem's unsolicited output.
type Message struct {
	Kind    MessageKind
	Topic   string
	Payload string
	// Code and Action are set for disconnect notices that carry a numeric
	// reason.
	Code   int
	Action RecoveryAction
}

// Empty reports whether nothing was received.
func (m Message) Empty() bool {
	return m.Kind == MessageNone
}
