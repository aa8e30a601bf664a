package modem

// CSQ bounds used for the percentage scale. 99 means "not known or not
// detectable".
const (
	csqFloor   = 3
	csqCeiling = 28
	csqUnknown = 99
)

// SignalPercent converts a +CSQ RSSI index to a 0-100 percentage.
func SignalPercent(csq int) int {
	switch {
	case csq < csqFloor+1 || csq == csqUnknown:
		return 0
	case csq >= csqCeiling:
		return 100
	default:
		return (csq - csqFloor) * 100 / (csqCeiling - csqFloor)
	}
}
