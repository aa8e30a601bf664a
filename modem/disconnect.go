package modem

// RecoveryAction is what a disconnect reason calls for.
type RecoveryAction int

const (
	ActionNone RecoveryAction = iota
	ActionReopen
	ActionBouncePDP
	ActionRecheckCredentials
	ActionNormalClose
	ActionReopenAfterSendFailure
	ActionCheckLink
	ActionUnclassified
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReopen:
		return "reopen"
	case ActionBouncePDP:
		return "bounce_pdp"
	case ActionRecheckCredentials:
		return "recheck_credentials"
	case ActionNormalClose:
		return "normal_close"
	case ActionReopenAfterSendFailure:
		return "reopen_after_send_failure"
	case ActionCheckLink:
		return "check_link"
	default:
		return "unclassified"
	}
}

// ClassifyDisconnect maps a +QMTSTAT error code to a recovery action.
//
//	1 connection closed or reset by peer
//	2 PINGREQ timeout (keep-alive)
//	3 CONNECT packet timeout
//	4 CONNACK packet timeout
//	5 server closed the connection
//	6 client closed the connection after a send failure
//	7 link not alive or server unavailable
func ClassifyDisconnect(code int) RecoveryAction {
	switch code {
	case 1:
		return ActionReopen
	case 2:
		return ActionBouncePDP
	case 3, 4:
		return ActionRecheckCredentials
	case 5:
		return ActionNormalClose
	case 6:
		return ActionReopenAfterSendFailure
	case 7:
		return ActionCheckLink
	default:
		return ActionUnclassified
	}
}

// sessionLost reports whether code tears down the MQTT session and the
// packet connection.
func sessionLost(code int) bool {
	return code > 0 && code <= 7
}
