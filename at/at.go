package at

const (
	// Terminal Control
	CRLF = "\r\n"
	CR   = "\r"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	OKLine   = OK + CRLF
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// Common commands
	CmdAt          = "AT"
	CmdSimStatus   = "AT+CPIN?"
	CmdIMSI        = "AT+CIMI"
	CmdSignal      = "AT+CSQ"
	CmdOperator    = "AT+COPS?"
	CmdAttachQuery = "AT+CGATT?"
	CmdAttach      = "AT+CGATT=1"
	CmdDetach      = "AT+CGATT=0"
	CmdRadioOff    = "AT+CFUN=0"
	CmdRadioOn     = "AT+CFUN=1"

	// Common markers
	SimReady     = "READY"
	SignalMarker = "CSQ: "
	AttachMarker = "CGATT: "
	COPSMarker   = "+COPS:"

	// Neoway URCs
	NeowayDelivery   = "MQTTSUB:0,"
	NeowayDisconnect = "MQTTDISCONNED"

	// Quectel URCs
	QuectelDelivery = "+QMTRECV:"
	QuectelStatus   = "+QMTSTAT:"
)

type ResponseType int

const (
	TypeFinal ResponseType = iota // OK, ERROR
	TypeURC                       // Asynchronous notifications
	TypeData                      // Intermediate command output (+CSQ: ...)
	TypeEcho                      // Command echo (AT+...)
)
